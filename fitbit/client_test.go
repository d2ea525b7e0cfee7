package fitbit_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/fitbit-client/fitbit"
	"github.com/florianilch/fitbit-client/internal/tokensource"
	"github.com/florianilch/fitbit-client/internal/tokenstore"
)

// fakeFitbit serves both the token endpoint and the API. The API accepts only the bearer
// tokens listed in valid.
type fakeFitbit struct {
	server *httptest.Server

	mu         sync.Mutex
	tokenForms []url.Values
	tokenReply string
	apiAuth    []string
	valid      map[string]bool
	apiStatus  int
	apiBody    string

	lastMethod      string
	lastContentType string
	lastBody        string
}

func newFakeFitbit(t *testing.T, tokenReply string, valid ...string) *fakeFitbit {
	t.Helper()
	f := &fakeFitbit{
		tokenReply: tokenReply,
		valid:      map[string]bool{},
		apiStatus:  http.StatusOK,
		apiBody:    `{"user":{"displayName":"Jane"}}`,
	}
	for _, tok := range valid {
		f.valid[tok] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing token request: %v", err)
		}
		f.mu.Lock()
		f.tokenForms = append(f.tokenForms, r.PostForm)
		reply := f.tokenReply
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	})
	mux.HandleFunc("/1/", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		reqBody, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.apiAuth = append(f.apiAuth, auth)
		f.lastMethod, f.lastContentType, f.lastBody = r.Method, r.Header.Get("Content-Type"), string(reqBody)
		ok := len(auth) > len("Bearer ") && f.valid[auth[len("Bearer "):]]
		status, body := f.apiStatus, f.apiBody
		f.mu.Unlock()

		if r.Header.Get("User-Agent") != fitbit.DefaultUserAgent {
			t.Errorf("User-Agent = %q, want %q", r.Header.Get("User-Agent"), fitbit.DefaultUserAgent)
		}
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"errors":[{"errorType":"expired_token"}]}`)
			return
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeFitbit) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   "https://www.fitbit.example/oauth2/authorize",
		TokenURL:  f.server.URL + "/oauth2/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

func (f *fakeFitbit) calls() ([]url.Values, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.tokenForms...), append([]string(nil), f.apiAuth...)
}

// approvingBrowser follows the authorize URL and lets the provider redirect back with code
// after the user spent delay on the consent page.
func approvingBrowser(t *testing.T, code string, delay time.Duration) fitbit.URLOpener {
	return tokensource.URLOpenerFunc(func(ctx context.Context, rawURL string) error {
		authURL, err := url.Parse(rawURL)
		if err != nil {
			return err
		}
		go func() {
			time.Sleep(delay)
			redirect, err := url.Parse(authURL.Query().Get("redirect_uri"))
			if err != nil {
				t.Errorf("invalid redirect_uri: %v", err)
				return
			}
			q := url.Values{}
			q.Set("code", code)
			q.Set("state", authURL.Query().Get("state"))
			redirect.RawQuery = q.Encode()

			resp, err := http.Get(redirect.String())
			if err != nil {
				t.Errorf("callback request failed: %v", err)
				return
			}
			_ = resp.Body.Close()
		}()
		return nil
	})
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return uint16(port)
}

func newClient(t *testing.T, f *fakeFitbit, cfg fitbit.Config, opts ...fitbit.Option) *fitbit.Client {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID = "23ABCD"
		cfg.ClientSecret = "secret"
	}
	if cfg.RedirectPort == 0 {
		cfg.RedirectPort = freePort(t)
	}
	if cfg.CallbackTimeout == 0 {
		cfg.CallbackTimeout = 5 * time.Second
	}
	defaults := []fitbit.Option{
		fitbit.WithBaseURL(f.server.URL),
		fitbit.WithEndpoint(f.endpoint()),
		fitbit.WithOutput(io.Discard),
		fitbit.WithLogger(slog.New(slog.DiscardHandler)),
	}
	client, err := fitbit.New(cfg, append(defaults, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client
}

func readCache(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading cache file: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("cache file is not JSON: %v", err)
	}
	return doc
}

func TestFirstLoginPersistsCredential(t *testing.T) {
	f := newFakeFitbit(t, `{"access_token":"tok1","token_type":"Bearer","user_id":"ABC"}`, "tok1")
	cachePath := filepath.Join(t.TempDir(), "token.json")

	client := newClient(t, f, fitbit.Config{},
		fitbit.WithCache(cachePath),
		fitbit.WithOpener(approvingBrowser(t, "ABC123", 0)),
	)

	var profile struct {
		User struct {
			DisplayName string `json:"displayName"`
		} `json:"user"`
	}
	if err := client.Get(t.Context(), "/1/user/-/profile.json", nil, &profile); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if profile.User.DisplayName != "Jane" {
		t.Errorf("displayName = %q, want Jane", profile.User.DisplayName)
	}

	forms, auth := f.calls()
	if len(forms) != 1 {
		t.Fatalf("token endpoint called %d times, want 1", len(forms))
	}
	if got := forms[0].Get("grant_type"); got != "authorization_code" {
		t.Errorf("grant_type = %q, want authorization_code", got)
	}
	if got := forms[0].Get("code"); got != "ABC123" {
		t.Errorf("code = %q, want ABC123", got)
	}
	if len(auth) != 1 || auth[0] != "Bearer tok1" {
		t.Errorf("API Authorization headers = %v, want [Bearer tok1]", auth)
	}

	doc := readCache(t, cachePath)
	if doc["access_token"] != "tok1" {
		t.Errorf("cached access_token = %v, want tok1", doc["access_token"])
	}
	if _, ok := doc["refresh_token"]; ok {
		t.Errorf("cached refresh_token = %v, want absent", doc["refresh_token"])
	}
	if doc["user_id"] != "ABC" {
		t.Errorf("cached user_id = %v, want ABC", doc["user_id"])
	}
	if cred := client.Credential(); cred == nil || cred.AccessToken != "tok1" {
		t.Errorf("Credential() = %+v, want tok1", cred)
	}
}

func TestSlowLoginNotBoundByRequestTimeout(t *testing.T) {
	f := newFakeFitbit(t, `{"access_token":"tok1","token_type":"Bearer"}`, "tok1")

	client := newClient(t, f, fitbit.Config{CallbackTimeout: 5 * time.Second},
		fitbit.WithHTTPClient(&http.Client{Timeout: 300 * time.Millisecond}),
		fitbit.WithOpener(approvingBrowser(t, "ABC123", 800*time.Millisecond)),
	)

	if err := client.Get(t.Context(), "/1/user/-/profile.json", nil, nil); err != nil {
		t.Fatalf("Get() error = %v, want login to wait for the browser", err)
	}
	if forms, auth := f.calls(); len(forms) != 1 || len(auth) != 1 {
		t.Errorf("got %d token requests and %d API requests, want 1 and 1", len(forms), len(auth))
	}
}

func TestExecuteLeavesCallerRequestUntouched(t *testing.T) {
	f := newFakeFitbit(t, `{"access_token":"unused"}`, "tok1")
	store := &tokenstore.MemoryStore{}
	if err := store.Save(t.Context(), &tokenstore.Credential{AccessToken: "tok1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	client := newClient(t, f, fitbit.Config{Headless: true}, fitbit.WithTokenStore(store))

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/1/user/-/profile.json", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if _, err := client.Execute(t.Context(), req); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, name := range []string{"User-Agent", "Accept", "Authorization"} {
		if v := req.Header.Get(name); v != "" {
			t.Errorf("caller request header %s = %q, want unset", name, v)
		}
	}
}

func TestExpiredTokenRefreshedAndRetried(t *testing.T) {
	f := newFakeFitbit(t, `{"access_token":"tok2","token_type":"Bearer","expires_in":28800}`, "tok2")
	cachePath := filepath.Join(t.TempDir(), "token.json")

	store, err := tokenstore.NewFileStore(cachePath)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	seed := &tokenstore.Credential{AccessToken: "tok1", RefreshToken: "ref1", TokenType: "bearer", Scopes: []string{"profile"}}
	if err := store.Save(t.Context(), seed); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	opener := tokensource.URLOpenerFunc(func(ctx context.Context, url string) error {
		t.Error("browser opened, want refresh without interaction")
		return nil
	})
	client := newClient(t, f, fitbit.Config{}, fitbit.WithCache(cachePath), fitbit.WithOpener(opener))

	if err := client.Get(t.Context(), "/1/user/-/profile.json", nil, nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	forms, auth := f.calls()
	if want := []string{"Bearer tok1", "Bearer tok2"}; len(auth) != 2 || auth[0] != want[0] || auth[1] != want[1] {
		t.Errorf("API Authorization headers = %v, want %v", auth, want)
	}
	if len(forms) != 1 {
		t.Fatalf("token endpoint called %d times, want 1", len(forms))
	}
	if got := forms[0].Get("grant_type"); got != "refresh_token" {
		t.Errorf("grant_type = %q, want refresh_token", got)
	}
	if got := forms[0].Get("refresh_token"); got != "ref1" {
		t.Errorf("refresh_token = %q, want ref1", got)
	}

	doc := readCache(t, cachePath)
	if doc["access_token"] != "tok2" {
		t.Errorf("cached access_token = %v, want tok2", doc["access_token"])
	}
	if doc["refresh_token"] != "ref1" {
		t.Errorf("cached refresh_token = %v, want ref1 carried forward", doc["refresh_token"])
	}

	token, err := client.Token(t.Context())
	if err != nil || token != "tok2" {
		t.Errorf("Token() = %q, %v, want tok2", token, err)
	}
}

func TestHeadlessWithoutCredential(t *testing.T) {
	f := newFakeFitbit(t, `{"access_token":"tok1"}`, "tok1")
	client := newClient(t, f, fitbit.Config{Headless: true})

	err := client.Get(t.Context(), "/1/user/-/profile.json", nil, nil)
	if !errors.Is(err, fitbit.ErrUnauthenticated) {
		t.Fatalf("Get() error = %v, want ErrUnauthenticated", err)
	}
	if err := client.AuthInteractive(t.Context()); !errors.Is(err, fitbit.ErrUnauthenticated) {
		t.Errorf("AuthInteractive() error = %v, want ErrUnauthenticated", err)
	}
	if forms, auth := f.calls(); len(forms) != 0 || len(auth) != 0 {
		t.Errorf("network used: %d token requests, %d API requests", len(forms), len(auth))
	}
}

func TestAPIErrorsAreNotRetried(t *testing.T) {
	f := newFakeFitbit(t, `{"access_token":"unused"}`, "tok1")
	f.apiStatus = http.StatusTooManyRequests
	f.apiBody = `{"errors":[{"errorType":"request"}]}`

	store := &tokenstore.MemoryStore{}
	if err := store.Save(t.Context(), &tokenstore.Credential{AccessToken: "tok1", RefreshToken: "ref1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	client := newClient(t, f, fitbit.Config{Headless: true}, fitbit.WithTokenStore(store))

	err := client.Get(t.Context(), "/1/user/-/activities/date/today.json", nil, nil)
	var apiErr *fitbit.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Get() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", apiErr.StatusCode)
	}
	if forms, auth := f.calls(); len(forms) != 0 || len(auth) != 1 {
		t.Errorf("got %d token requests and %d API requests, want 0 and 1", len(forms), len(auth))
	}
}

func TestGetDecodeError(t *testing.T) {
	f := newFakeFitbit(t, `{"access_token":"unused"}`, "tok1")
	f.apiBody = `<html>maintenance</html>`

	store := &tokenstore.MemoryStore{}
	if err := store.Save(t.Context(), &tokenstore.Credential{AccessToken: "tok1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	client := newClient(t, f, fitbit.Config{Headless: true}, fitbit.WithTokenStore(store))

	var out map[string]any
	err := client.Get(t.Context(), "/1/user/-/profile.json", nil, &out)
	var decodeErr *fitbit.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Get() error = %v, want *DecodeError", err)
	}
	if decodeErr.Route != "/1/user/-/profile.json" {
		t.Errorf("Route = %q", decodeErr.Route)
	}
}

func TestLogoutClearsCache(t *testing.T) {
	f := newFakeFitbit(t, `{"access_token":"unused"}`, "tok1")
	cachePath := filepath.Join(t.TempDir(), "token.json")
	store, err := tokenstore.NewFileStore(cachePath)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := store.Save(t.Context(), &tokenstore.Credential{AccessToken: "tok1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	client := newClient(t, f, fitbit.Config{Headless: true}, fitbit.WithCache(cachePath))
	if err := client.AuthInteractive(t.Context()); err != nil {
		t.Fatalf("AuthInteractive() error = %v", err)
	}
	if err := client.Logout(t.Context()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := os.Stat(cachePath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("cache file still present: %v", err)
	}
	if client.Credential() != nil {
		t.Error("Credential() not nil after Logout")
	}
	if _, err := client.Token(t.Context()); !errors.Is(err, fitbit.ErrUnauthenticated) {
		t.Errorf("Token() error = %v, want ErrUnauthenticated", err)
	}
}

func TestAbsoluteURL(t *testing.T) {
	client, err := fitbit.New(fitbit.Config{ClientID: "23ABCD", Headless: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := client.AbsoluteURL("/1/user/-/sleep/date/2024-01-01.json")
	if err != nil {
		t.Fatalf("AbsoluteURL() error = %v", err)
	}
	if want := "https://api.fitbit.com/1/user/-/sleep/date/2024-01-01.json"; got.String() != want {
		t.Errorf("AbsoluteURL() = %s, want %s", got, want)
	}
}

func TestBodyEncoding(t *testing.T) {
	f := newFakeFitbit(t, `{"access_token":"unused"}`, "tok1")
	f.apiBody = `{"weightLog":{"logId":1}}`

	store := &tokenstore.MemoryStore{}
	if err := store.Save(t.Context(), &tokenstore.Credential{AccessToken: "tok1"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	client := newClient(t, f, fitbit.Config{Headless: true}, fitbit.WithTokenStore(store))

	tests := []struct {
		name            string
		call            func() error
		wantMethod      string
		wantContentType string
		wantBody        string
	}{
		{
			name: "form",
			call: func() error {
				return client.Post(t.Context(), "/1/user/-/body/log/weight.json", url.Values{"weight": {"73.5"}, "date": {"2024-01-01"}}, nil)
			},
			wantMethod:      http.MethodPost,
			wantContentType: "application/x-www-form-urlencoded",
			wantBody:        "date=2024-01-01&weight=73.5",
		},
		{
			name: "json",
			call: func() error {
				return client.Put(t.Context(), "/1/user/-/activities/goals/daily.json", map[string]int{"steps": 10000}, nil)
			},
			wantMethod:      http.MethodPut,
			wantContentType: "application/json",
			wantBody:        `{"steps":10000}`,
		},
		{
			name: "patch",
			call: func() error {
				return client.Patch(t.Context(), "/1/user/-/profile.json", map[string]string{"strideLengthRunning": "90"}, nil)
			},
			wantMethod:      http.MethodPatch,
			wantContentType: "application/json",
			wantBody:        `{"strideLengthRunning":"90"}`,
		},
		{
			name: "delete",
			call: func() error {
				return client.Delete(t.Context(), "/1/user/-/body/log/weight/1.json", nil, nil)
			},
			wantMethod: http.MethodDelete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err != nil {
				t.Fatalf("call error = %v", err)
			}
			f.mu.Lock()
			method, contentType, body := f.lastMethod, f.lastContentType, f.lastBody
			f.mu.Unlock()

			if method != tt.wantMethod {
				t.Errorf("method = %s, want %s", method, tt.wantMethod)
			}
			if contentType != tt.wantContentType {
				t.Errorf("Content-Type = %q, want %q", contentType, tt.wantContentType)
			}
			if body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}
