package web

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// Minimum cost bcrypt hash of "pass1".
var pass1 = []byte("$2a$04$M0InS5zIFKk.xmjtcabjrudhKhukxJo6cnhJBq9I.J/slbgWE0F.S")

func newTestAuth(t *testing.T) *Auth {
	return &Auth{
		username: "admin",
		passHash: pass1,
		hashCost: bcrypt.MinCost,

		logger: newTestLogger(t),
		cache:  make(map[string]bool),
	}
}

func authHeader(auth string) *http.Request {
	return &http.Request{Header: http.Header{"Authorization": []string{auth}}}
}

func basicHeader(username, password string) string {
	plain := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(plain))
}

func TestValidateRequest(t *testing.T) {
	cases := map[string]struct {
		header string
		valid  bool
	}{
		"ok":          {basicHeader("admin", "pass1"), true},
		"cache":       {basicHeader("admin", "pass1"), true},
		"wrongPass":   {basicHeader("admin", "wrong"), false},
		"wrongUser":   {basicHeader("user", "pass1"), false},
		"wrongPrefix": {"nil" + basicHeader("admin", "pass1"), false},
		"noHeader":    {"", false},
	}

	a := newTestAuth(t)
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.valid, a.ValidateRequest(authHeader(tc.header)))
		})
	}
}

func TestBlock(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("ok", func(t *testing.T) {
		a := newTestAuth(t)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", basicHeader("admin", "pass1"))
		a.Block(next).ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code)
	})
	t.Run("blocked", func(t *testing.T) {
		a := newTestAuth(t)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		a.Block(next).ServeHTTP(w, r)

		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Equal(t, `Basic realm=""`, w.Header().Get("WWW-Authenticate"))
	})
	t.Run("logsFailedLogin", func(t *testing.T) {
		a := newTestAuth(t)

		feed, cancelFeed := a.logger.Subscribe()
		defer cancelFeed()

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", basicHeader("admin", "wrong"))

		done := make(chan struct{})
		go func() {
			a.Block(next).ServeHTTP(w, r)
			close(done)
		}()

		entry := <-feed
		require.Contains(t, entry.Msg, "failed login")

		<-done
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestParseBasicAuth(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		username string
		password string
	}{
		{"ok", basicHeader("admin", "pass1"), "admin", "pass1"},
		{"colonInPass", basicHeader("a", "b:c"), "a", "b:c"},
		{"empty", "", "", ""},
		{"badBase64", "Basic !!!", "", ""},
		{"wrongScheme", "Bearer abc", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			username, password := parseBasicAuth(tc.input)
			require.Equal(t, tc.username, username)
			require.Equal(t, tc.password, password)
		})
	}
}
