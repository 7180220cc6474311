// Package client builds authorized HTTP clients for Google APIs.
//
// The token obtained at setup is cached on disk and written back whenever it is
// refreshed, so a running daemon never needs the browser.
package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// DefaultTokenFile is where the OAuth token is cached when Config.TokenFile is empty.
	DefaultTokenFile = "data/token.json"
	// DefaultCallbackPort is the loopback port the consent redirect lands on.
	DefaultCallbackPort = 8085

	callbackPath   = "/callback"
	consentTimeout = 5 * time.Minute
)

// ErrNoToken is returned by non-interactive setups when no cached token exists.
var ErrNoToken = errors.New("no cached OAuth token, run `receiptd setup` first")

// Config describes where the OAuth client secret and token live.
type Config struct {
	// SecretFile is the client secret JSON downloaded from the Google Cloud console.
	SecretFile string
	// TokenFile caches the user's token. Defaults to DefaultTokenFile.
	TokenFile string
	// Interactive allows falling back to the browser consent flow when no token is cached.
	Interactive bool
	// CallbackPort defaults to DefaultCallbackPort.
	CallbackPort int
	// Prompt receives the consent URL. Defaults to os.Stdout.
	Prompt io.Writer
}

func (c Config) withDefaults() Config {
	if c.TokenFile == "" {
		c.TokenFile = DefaultTokenFile
	}
	if c.CallbackPort == 0 {
		c.CallbackPort = DefaultCallbackPort
	}
	if c.Prompt == nil {
		c.Prompt = os.Stdout
	}
	return c
}

// New creates an HTTP client with OAuth2 credentials from cfg.SecretFile.
func New(cfg Config, scope ...string) (*http.Client, error) {
	b, err := os.ReadFile(cfg.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("reading client secret file: %w", err)
	}
	return NewFromJSON(b, cfg, scope...)
}

// NewFromJSON creates an HTTP client from client secret JSON content. Without a cached
// token it returns ErrNoToken, unless cfg.Interactive permits the consent flow.
func NewFromJSON(secretJSON []byte, cfg Config, scope ...string) (*http.Client, error) {
	cfg = cfg.withDefaults()

	oc, err := google.ConfigFromJSON(secretJSON, scope...)
	if err != nil {
		return nil, fmt.Errorf("parsing client secret: %w", err)
	}

	tok, err := tokenFromFile(cfg.TokenFile)
	if err != nil {
		if !cfg.Interactive {
			return nil, ErrNoToken
		}
		slog.Info("no cached token, starting consent flow", "token_file", cfg.TokenFile)
		if tok, err = authorize(context.Background(), oc, cfg); err != nil {
			return nil, err
		}
		if err := saveToken(cfg.TokenFile, tok); err != nil {
			slog.Error("failed to save token", "error", err)
		}
	}

	ctx := context.Background()
	src := &persistingSource{
		base: oc.TokenSource(ctx, tok),
		path: cfg.TokenFile,
		last: tok.AccessToken,
	}
	return oauth2.NewClient(ctx, src), nil
}

// TokenExists reports whether a readable token is cached at path.
func TokenExists(path string) bool {
	if path == "" {
		path = DefaultTokenFile
	}
	_, err := tokenFromFile(path)
	return err == nil
}

// persistingSource writes every newly issued token back to disk.
type persistingSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := saveToken(s.path, tok); err != nil {
			slog.Warn("failed to persist refreshed token", "path", s.path, "error", err)
		}
	}
	return tok, nil
}

// authorize runs the loopback consent flow with PKCE.
func authorize(ctx context.Context, oc *oauth2.Config, cfg Config) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, consentTimeout)
	defer cancel()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.CallbackPort)
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("callback port %d unavailable: %w", cfg.CallbackPort, err)
	}

	state, err := randomState()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("generating state token: %w", err)
	}
	verifier := oauth2.GenerateVerifier()
	oc.RedirectURL = "http://" + addr + callbackPath

	cb := newCallback(state)
	mux := http.NewServeMux()
	mux.Handle(callbackPath, cb)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cb.deliver(callbackResult{err: err})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("error shutting down callback server", "error", err)
		}
	}()

	authURL := oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	fmt.Fprintf(cfg.Prompt, "\nOpening browser for Google authentication...\n")
	fmt.Fprintf(cfg.Prompt, "If the browser doesn't open automatically, visit this URL:\n%s\n\n", authURL)
	if err := openBrowser(ctx, authURL); err != nil {
		slog.Warn("failed to open browser automatically", "error", err)
	}

	select {
	case res := <-cb.result:
		if res.err != nil {
			return nil, fmt.Errorf("oauth callback: %w", res.err)
		}
		tok, err := oc.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("exchanging authorization code for token: %w", err)
		}
		fmt.Fprintln(cfg.Prompt, "Authentication successful!")
		return tok, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("oauth consent not completed within %v", consentTimeout)
	}
}

type callbackResult struct {
	code string
	err  error
}

// callback receives the consent redirect. Only the first result is delivered.
type callback struct {
	state  string
	once   sync.Once
	result chan callbackResult
}

func newCallback(state string) *callback {
	return &callback{state: state, result: make(chan callbackResult, 1)}
}

func (c *callback) deliver(r callbackResult) {
	c.once.Do(func() { c.result <- r })
}

func (c *callback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch {
	case q.Get("state") != c.state:
		// Not our redirect; keep waiting for the real one.
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
	case q.Get("error") != "":
		http.Error(w, "Authentication failed: "+q.Get("error"), http.StatusBadRequest)
		c.deliver(callbackResult{err: fmt.Errorf("%s: %s", q.Get("error"), q.Get("error_description"))})
	case q.Get("code") == "":
		http.Error(w, "No authorization code received", http.StatusBadRequest)
		c.deliver(callbackResult{err: errors.New("no authorization code received")})
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, successPage)
		c.deliver(callbackResult{code: q.Get("code")})
	}
}

const successPage = `<!DOCTYPE html>
<html>
<head><title>receiptd</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 20vh;">
<h1 style="color: #4CAF50;">✓ Mailbox connected</h1>
<p>receiptd can now read your notification mails. You can close this window.</p>
</body>
</html>`

var browserCommands = map[string][]string{
	"darwin":  {"open"},
	"linux":   {"xdg-open"},
	"windows": {"rundll32", "url.dll,FileProtocolHandler"},
}

func openBrowser(ctx context.Context, url string) error {
	argv, ok := browserCommands[runtime.GOOS]
	if !ok {
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	args := append(append([]string{}, argv[1:]...), url)
	return exec.CommandContext(ctx, argv[0], args...).Start()
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, fmt.Errorf("decoding token %s: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token %s holds no credentials", path)
	}
	return tok, nil
}

// saveToken writes the token atomically with owner-only permissions.
func saveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	b, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*")
	if err != nil {
		return fmt.Errorf("creating token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("writing token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
