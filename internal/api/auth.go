package api

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/martinhoefling/goxkcdpwgen/xkcdpwgen"

	"github.com/harborglow/hashlab/internal/config"
	"github.com/harborglow/hashlab/internal/jsonx"
)

// SessionCookie is the name of the dashboard session cookie.
const SessionCookie = "hashlab_session"

const sessionSubject = "dashboard"

// authenticator issues and checks signed session cookies for the single
// dashboard password.
type authenticator struct {
	password []byte
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

func generatePassword() string {
	g := xkcdpwgen.NewGenerator()
	g.SetNumWords(3)
	g.SetCapitalize(false)
	g.SetDelimiter("-")
	return strings.TrimSpace(g.GeneratePasswordString())
}

func newAuthenticator(cfg config.AuthConfig) (*authenticator, error) {
	password := cfg.Password
	if password == "" {
		password = generatePassword()
		log.Printf("No dashboard password configured; generated one for this run: %s", password)
	}

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}

	hours := cfg.SessionHours
	if hours <= 0 {
		hours = 24
	}
	return &authenticator{
		password: []byte(password),
		secret:   secret,
		ttl:      time.Duration(hours) * time.Hour,
		now:      time.Now,
	}, nil
}

func (a *authenticator) checkPassword(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), a.password) == 1
}

func (a *authenticator) issue() (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   sessionSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

func (a *authenticator) verify(token string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now), jwt.WithSubject(sessionSubject))
	return err
}

// isAuthenticated reports whether r carries a valid session cookie.
func (a *authenticator) isAuthenticated(r *http.Request) bool {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return false
	}
	return a.verify(c.Value) == nil
}

// requireAuth rejects requests without a valid session.
func (a *authenticator) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.isAuthenticated(r) {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleLogin checks the password and sets the session cookie.
// POST /api/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if !s.auth.checkPassword(req.Password) {
		http.Error(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, expires, err := s.auth.issue()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	s.jsonResponse(w, map[string]any{"success": true, "expires": expires.UTC()})
}

// handleLogout clears the session cookie.
// POST /api/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.jsonResponse(w, map[string]bool{"success": true})
}

var errEmptyBody = errors.New("empty body")

// decodeBody reads a JSON request body of at most 1 MiB.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	body, err := readLimited(r.Body, 1<<20)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errEmptyBody
	}
	return jsonx.Unmarshal(body, v)
}
