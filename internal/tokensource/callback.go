package tokensource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	callbackPageSuccess = "Authorization complete. You can close this window and return to your terminal.\n"
	callbackPageFailure = "Authorization failed. Return to your terminal for details.\n"
)

// callbackResult holds the query parameters of the one accepted redirect.
type callbackResult struct {
	code  string
	state string

	// Set when the provider redirected with an error instead of a code
	errCode        string
	errDescription string
}

// callbackServer is the one-shot loopback listener receiving the authorization redirect.
// It accepts any method and path; only the query parameters matter.
type callbackServer struct {
	host     string
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger

	results chan callbackResult
	once    sync.Once
}

// startCallbackServer binds the listener synchronously so port conflicts are reported
// before the user is sent to the browser, then serves in the background.
//
// The caller is responsible for calling close() on every exit path.
func startCallbackServer(ctx context.Context, host string, port uint16, logger *slog.Logger) (*callbackServer, error) {
	address := net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s := &callbackServer{
		host:     host,
		listener: listener,
		logger:   logger,
		results:  make(chan callbackResult, 1),
	}
	s.server = &http.Server{
		Handler: applyMiddlewares(http.HandlerFunc(s.handleCallback),
			redactQuery,
			Logging(logger),
			Recovery,
		),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "callback server stopped", "error", err)
		}
	}()

	return s, nil
}

// redirectURL returns the redirect URI matching the bound listener. The configured host
// is kept verbatim since providers compare redirect URIs as strings.
func (s *callbackServer) redirectURL() string {
	port := strconv.Itoa(s.listener.Addr().(*net.TCPAddr).Port)
	return "http://" + net.JoinHostPort(s.host, port) + "/"
}

// handleCallback extracts code and state from the redirect. Requests without them
// (favicon lookups, prefetches) are rejected and the flow keeps waiting.
func (s *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := callbackQuery(r)

	result := callbackResult{
		code:           query.Get("code"),
		state:          query.Get("state"),
		errCode:        query.Get("error"),
		errDescription: query.Get("error_description"),
	}

	if result.errCode == "" && (result.code == "" || result.state == "") {
		http.Error(w, "missing code or state parameter", http.StatusBadRequest)
		return
	}

	accepted := false
	s.once.Do(func() {
		s.results <- result
		accepted = true
	})
	if !accepted {
		s.logger.WarnContext(r.Context(), "ignoring additional authorization callback")
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Connection", "close")
	page := callbackPageSuccess
	if result.errCode != "" {
		page = callbackPageFailure
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, page)
}

// wait blocks until a callback is accepted or ctx is done.
func (s *callbackServer) wait(ctx context.Context) (callbackResult, error) {
	select {
	case result := <-s.results:
		return result, nil
	case <-ctx.Done():
		return callbackResult{}, ctx.Err()
	}
}

// close stops the server and releases the listener.
func (s *callbackServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
	}
	// Serve may not have tracked the listener yet
	_ = s.listener.Close()
}
