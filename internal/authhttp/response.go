package authhttp

import (
	"fmt"
	"io"
	"net/http"
)

// APIError reports a non-success response from the API other than the handled 401.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("api error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api error: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// ReadResponse consumes and closes the response body. Non-2xx responses are returned
// as *APIError carrying the body; they are never retried.
func ReadResponse(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
