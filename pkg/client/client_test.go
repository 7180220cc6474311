package client

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

const secretJSON = `{"installed":{"client_id":"id.apps.googleusercontent.com","client_secret":"s","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost"]}}`

func TestTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	want := &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour).Round(time.Second)}

	if err := saveToken(path, want); err != nil {
		t.Fatalf("saveToken() error = %v", err)
	}
	if !TokenExists(path) {
		t.Fatal("TokenExists() = false after save")
	}

	got, err := tokenFromFile(path)
	if err != nil {
		t.Fatalf("tokenFromFile() error = %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || !got.Expiry.Equal(want.Expiry) {
		t.Errorf("token mismatch: got %+v", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestNewFromJSON_NonInteractiveWithoutToken(t *testing.T) {
	cfg := Config{TokenFile: filepath.Join(t.TempDir(), "missing.json")}

	_, err := NewFromJSON([]byte(secretJSON), cfg, "https://www.googleapis.com/auth/gmail.modify")
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
}

func TestNewFromJSON_CachedToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	if err := saveToken(path, &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	client, err := NewFromJSON([]byte(secretJSON), Config{TokenFile: path}, "scope")
	if err != nil {
		t.Fatalf("NewFromJSON() error = %v", err)
	}
	if client == nil {
		t.Fatal("expected client")
	}
}

func TestTokenExists_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if TokenExists(path) {
		t.Error("corrupt token reported as present")
	}
}

type sequenceSource struct {
	tokens []*oauth2.Token
	calls  int
}

func (s *sequenceSource) Token() (*oauth2.Token, error) {
	tok := s.tokens[min(s.calls, len(s.tokens)-1)]
	s.calls++
	return tok, nil
}

func TestPersistingSource_SavesRefreshedToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	first := &oauth2.Token{AccessToken: "first", RefreshToken: "r"}
	refreshed := &oauth2.Token{AccessToken: "second", RefreshToken: "r"}

	src := &persistingSource{
		base: &sequenceSource{tokens: []*oauth2.Token{first, refreshed}},
		path: path,
		last: "first",
	}

	if _, err := src.Token(); err != nil {
		t.Fatal(err)
	}
	if TokenExists(path) {
		t.Fatal("unchanged token should not be written")
	}

	if _, err := src.Token(); err != nil {
		t.Fatal(err)
	}
	got, err := tokenFromFile(path)
	if err != nil {
		t.Fatalf("tokenFromFile() error = %v", err)
	}
	if got.AccessToken != "second" {
		t.Errorf("saved access token = %q, want second", got.AccessToken)
	}
}

func TestCallback(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCode   string
		wantErr    bool
		delivered  bool
	}{
		{"success", "?state=s1&code=abc", http.StatusOK, "abc", false, true},
		{"provider error", "?state=s1&error=access_denied", http.StatusBadRequest, "", true, true},
		{"missing code", "?state=s1", http.StatusBadRequest, "", true, true},
		{"foreign state", "?state=other&code=abc", http.StatusBadRequest, "", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cb := newCallback("s1")
			rec := httptest.NewRecorder()
			cb.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, callbackPath+tc.query, nil))

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}

			select {
			case res := <-cb.result:
				if !tc.delivered {
					t.Fatalf("unexpected result %+v", res)
				}
				if res.code != tc.wantCode || (res.err != nil) != tc.wantErr {
					t.Errorf("result = %+v", res)
				}
			default:
				if tc.delivered {
					t.Fatal("expected a result")
				}
			}
		})
	}
}

func TestCallback_FirstResultWins(t *testing.T) {
	cb := newCallback("s1")
	cb.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, callbackPath+"?state=s1&code=one", nil))
	cb.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, callbackPath+"?state=s1&code=two", nil))

	if res := <-cb.result; res.code != "one" {
		t.Errorf("code = %q, want one", res.code)
	}
}
