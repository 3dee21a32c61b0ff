// Copyright 2025-2026 The Sanchez Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package web

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sanchez/pkg/log"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultHashCost bcrypt hash cost.
const DefaultHashCost = 10

// Auth guards the status server with a single basic auth account.
type Auth struct {
	username string
	passHash []byte // Bcrypt hash.
	hashCost int

	logger *log.Logger

	// Hashing takes a long time, cache the result per header.
	mu    sync.Mutex
	cache map[string]bool
}

// NewAuth returns an authenticator for a single account.
func NewAuth(username string, passHash []byte, logger *log.Logger) *Auth {
	return &Auth{
		username: username,
		passHash: passHash,
		hashCost: DefaultHashCost,

		logger: logger,
		cache:  make(map[string]bool),
	}
}

// ValidateRequest should always take the same amount of
// time to run, even when username or password is invalid.
func (a *Auth) ValidateRequest(r *http.Request) bool {
	req := r.Header.Get("Authorization")

	a.mu.Lock()
	if valid, exist := a.cache[req]; exist {
		a.mu.Unlock()
		return valid
	}
	a.mu.Unlock()

	name, pass := parseBasicAuth(req)

	valid := false
	if subtle.ConstantTimeCompare([]byte(name), []byte(a.username)) != 1 {
		// Generate a fake hash to prevent timing based attacks.
		bcrypt.GenerateFromPassword([]byte(name), a.hashCost) //nolint:errcheck
	} else if bcrypt.CompareHashAndPassword(a.passHash, []byte(pass)) == nil {
		valid = true
	}

	a.mu.Lock()
	a.cache[req] = valid
	a.mu.Unlock()

	return valid
}

// Block blocks unauthorized requests and prompts for login.
func (a *Auth) Block(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.ValidateRequest(r) {
			if r.Header.Get("Authorization") != "" {
				a.logFailedLogin(r)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm=""`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// logFailedLogin finds and logs the ip.
func (a *Auth) logFailedLogin(r *http.Request) {
	username, _ := parseBasicAuth(r.Header.Get("Authorization"))

	ip := ""
	realIP := r.Header.Get("X-Real-Ip")
	if realIP != "" {
		ip += "real:" + realIP + " "
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" && forwarded != realIP {
		ip += "forwarded:" + forwarded + " "
	}
	remoteAddr := r.RemoteAddr
	if remoteAddr != "" && remoteAddr != forwarded {
		ip += "addr:" + remoteAddr
	}

	a.logger.Info().Src("auth").Msgf("failed login: username: %v %v", username, ip)
}

// Modified from net/http. Link:
// https://cs.opensource.google/go/go/+/refs/tags/go1.17.8:src/net/http/request.go;l=949
func parseBasicAuth(str string) (username, password string) {
	const prefix = "Basic "
	if len(str) < len(prefix) || !strings.EqualFold(str[:len(prefix)], prefix) {
		return
	}
	c, err := base64.StdEncoding.DecodeString(str[len(prefix):])
	if err != nil {
		return
	}
	cs := string(c)
	s := strings.IndexByte(cs, ':')
	if s < 0 {
		return
	}
	return cs[:s], cs[s+1:]
}
