package tokensource

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/httplog/v3"
)

// queryKey carries the callback query parameters past the logging middleware.
type queryKey struct{}

// Recovery recovers from panics in HTTP handlers and returns HTTP 500 to the client.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recover() != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				// Logging of panics is handled in Logging middleware
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Logging logs callback requests with method, path, status, and duration.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Schema: httplog.SchemaECS.Concise(true),

		// Never log headers or bodies, the redirect carries the authorization code
		LogRequestHeaders:  []string{},
		LogResponseHeaders: []string{},
		LogRequestBody:     nil,
		LogResponseBody:    nil,

		RecoverPanics: false, // use dedicated middleware, panics are logged regardless
	})
}

// redactQuery moves the query string into the request context so that downstream
// middlewares (logging) never see the authorization code or state.
func redactQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		redacted := r.Clone(context.WithValue(r.Context(), queryKey{}, query))
		redacted.URL.RawQuery = ""
		redacted.RequestURI = redacted.URL.Path

		next.ServeHTTP(w, redacted)
	})
}

// callbackQuery returns the query parameters stashed by redactQuery,
// falling back to the request URL when the middleware is absent.
func callbackQuery(r *http.Request) url.Values {
	if query, ok := r.Context().Value(queryKey{}).(url.Values); ok {
		return query
	}
	return r.URL.Query()
}

// applyMiddlewares applies middlewares to a handler in the order they appear.
// The first middleware in the slice is the outermost (executes first).
func applyMiddlewares(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
