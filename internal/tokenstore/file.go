package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockTimeout bounds the wait for another process writing the same credential.
const lockTimeout = 5 * time.Second

// FileStore provides atomic file-based credential storage with secure permissions.
// Writes use temp file + rename for crash safety: an interrupted Save leaves the
// previously stored document intact. Save and Clear hold an advisory lock on a
// sibling ".lock" file so concurrent processes sharing the cache do not interleave.
type FileStore struct {
	filePath string
}

// Compile-time check to ensure FileStore implements TokenStore
var _ TokenStore = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given path, creating parent directories
// with 0700 permissions if they don't exist.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating token directory: %w", err)
	}

	return &FileStore{
		filePath: filePath,
	}, nil
}

// Path returns the location of the credential document.
func (f *FileStore) Path() string {
	return f.filePath
}

// Load returns the stored credential. Returns ErrNotFound if the file doesn't exist,
// *DecodeError if it is empty or malformed, and an error on insecure permissions.
func (f *FileStore) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Check file permissions before reading
	info, err := os.Stat(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading credential: %w", err)
	}
	if info.Mode().Perm() != 0600 {
		return nil, fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm())
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return nil, fmt.Errorf("reading credential: %w", err)
	}

	return decodeCredential(f.filePath, data)
}

// Save atomically writes the credential using temp file + rename.
// Sets file permissions to 0600 (owner read/write only).
func (f *FileStore) Save(ctx context.Context, cred *Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeCredential(cred)
	if err != nil {
		return err
	}

	// Parent may have been removed since construction
	dir := filepath.Dir(f.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	unlock, err := f.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	// Create secure temp file in same directory for atomic rename
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return fmt.Errorf("writing credential: %w", err)
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("writing credential: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("writing credential: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("writing credential: %w", err)
	}

	// CreateTemp already uses 0600, chmod guards against a permissive umask on exotic filesystems
	if err := os.Chmod(tempName, 0600); err != nil {
		return fmt.Errorf("writing credential: %w", err)
	}

	// Atomic rename to final location
	if err := os.Rename(tempName, f.filePath); err != nil {
		return fmt.Errorf("writing credential: %w", err)
	}

	return nil
}

// Clear removes the credential file. A missing file is not an error.
func (f *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Dir(f.filePath)); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	unlock, err := f.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(f.filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing credential: %w", err)
	}
	return nil
}

// lock takes the exclusive cross-process lock guarding writes to the credential file.
func (f *FileStore) lock(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	fl := flock.New(f.filePath + ".lock")
	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("locking credential file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("locking credential file: %s is held by another process", fl.Path())
	}

	return func() { _ = fl.Unlock() }, nil
}
