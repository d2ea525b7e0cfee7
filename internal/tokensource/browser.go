package tokensource

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// URLOpener presents the authorize URL to the user.
type URLOpener interface {
	Open(ctx context.Context, url string) error
}

// URLOpenerFunc adapts a function to URLOpener.
type URLOpenerFunc func(ctx context.Context, url string) error

// Open calls f(ctx, url).
func (f URLOpenerFunc) Open(ctx context.Context, url string) error {
	return f(ctx, url)
}

// BrowserOpener opens URLs in the user's default browser.
type BrowserOpener struct{}

// Compile-time check to ensure BrowserOpener implements URLOpener
var _ URLOpener = BrowserOpener{}

// Open launches the platform's URL handler without waiting for it to exit.
func (BrowserOpener) Open(ctx context.Context, url string) error {
	var name string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		name = "open"
		args = []string{url}
	case "linux", "freebsd", "openbsd", "netbsd":
		name = "xdg-open"
		args = []string{url}
	case "windows":
		name = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", url}
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	// Not bound to ctx: the handler must outlive the flow
	cmd := exec.Command(name, args...) //nolint:gosec,noctx // name is fixed per platform
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("opening browser: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
