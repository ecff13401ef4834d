// Package session carries a small signed cookie session. State lives entirely
// in the cookie; the server keeps nothing. Cookies are signed with an HMAC key
// derived from the first configured secret and verified against every
// configured secret, so secrets can be rotated by prepending a new one.
package session

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// CookieName is the session cookie name.
	CookieName = "session"

	DefaultMaxAge = 24 * time.Hour

	keyInfo = "relaycast session cookie v1"
	keySize = 32
)

var (
	errMalformed    = errors.New("malformed session cookie")
	errBadSignature = errors.New("session cookie signature mismatch")
)

// Config describes how session cookies are signed and emitted.
type Config struct {
	// Keys lists signing secrets, newest first. The first key signs; every
	// key verifies.
	Keys   []string
	MaxAge time.Duration
	// Secure marks the cookie Secure. Production mode sets it.
	Secure bool
	Path   string
	Logger *slog.Logger
}

// Manager signs, verifies and attaches sessions to requests.
type Manager struct {
	keys   [][]byte
	maxAge time.Duration
	secure bool
	path   string
	logger *slog.Logger
}

// NewManager derives signing keys from cfg.Keys. At least one non-empty key is
// required.
func NewManager(cfg Config) (*Manager, error) {
	keys := make([][]byte, 0, len(cfg.Keys))
	for i, secret := range cfg.Keys {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return nil, fmt.Errorf("session key %d is empty", i)
		}
		derived, err := deriveKey(secret)
		if err != nil {
			return nil, fmt.Errorf("derive session key %d: %w", i, err)
		}
		keys = append(keys, derived)
	}
	if len(keys) == 0 {
		return nil, errors.New("at least one session key is required")
	}

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	path := cfg.Path
	if path == "" {
		path = "/"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{keys: keys, maxAge: maxAge, secure: cfg.Secure, path: path, logger: logger}, nil
}

func deriveKey(secret string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Session is the per-request view of the cookie contents.
type Session struct {
	mu        sync.Mutex
	id        string
	values    map[string]string
	issuedAt  time.Time
	dirty     bool
	destroyed bool
}

type payload struct {
	ID       string            `json:"id"`
	Values   map[string]string `json:"v,omitempty"`
	IssuedAt int64             `json:"iat"`
}

func newSession() *Session {
	return &Session{id: uuid.NewString(), values: make(map[string]string), issuedAt: time.Now().UTC()}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok
}

// Set stores value under key and marks the session for re-issue.
func (s *Session) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.dirty = true
	s.destroyed = false
}

// Delete removes key.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
}

// Destroy clears the session and expires the cookie on the client.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
	s.destroyed = true
	s.dirty = true
}

func (m *Manager) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, m.keys[0])
	mac.Write(data)
	return mac.Sum(nil)
}

// verify returns the index of the key that produced sig, or -1.
func (m *Manager) verify(data, sig []byte) int {
	for i, key := range m.keys {
		mac := hmac.New(sha256.New, key)
		mac.Write(data)
		if hmac.Equal(mac.Sum(nil), sig) {
			return i
		}
	}
	return -1
}

// Encode serializes and signs s into a cookie value.
func (m *Manager) Encode(s *Session) (string, error) {
	s.mu.Lock()
	p := payload{ID: s.id, Values: s.values, IssuedAt: s.issuedAt.Unix()}
	s.mu.Unlock()

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(m.sign(data)), nil
}

// Decode verifies value and returns the session it carries. The second return
// value reports whether the cookie was signed by a key other than the current
// signing key and should be re-issued.
func (m *Manager) Decode(value string) (*Session, bool, error) {
	encodedData, encodedSig, found := strings.Cut(value, ".")
	if !found {
		return nil, false, errMalformed
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(encodedData)
	if err != nil {
		return nil, false, errMalformed
	}
	sig, err := enc.DecodeString(encodedSig)
	if err != nil {
		return nil, false, errMalformed
	}
	index := m.verify(data, sig)
	if index < 0 {
		return nil, false, errBadSignature
	}

	var p payload
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&p); err != nil || p.ID == "" {
		return nil, false, errMalformed
	}
	issuedAt := time.Unix(p.IssuedAt, 0).UTC()
	if time.Since(issuedAt) > m.maxAge {
		return nil, false, errors.New("session cookie expired")
	}
	values := p.Values
	if values == nil {
		values = make(map[string]string)
	}
	return &Session{id: p.ID, values: values, issuedAt: issuedAt}, index > 0, nil
}

func (m *Manager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     m.path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

type contextKey struct{}

// FromContext returns the session attached by Middleware.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}

// Middleware attaches a session to every request. Missing, tampered or
// expired cookies yield a fresh empty session. The cookie is (re)written
// just before the response headers go out when the session changed or was
// signed with a rotated-out key.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, resign := m.load(r)
		if resign {
			sess.mu.Lock()
			sess.dirty = true
			sess.mu.Unlock()
		}

		sw := &responseWriter{ResponseWriter: w, manager: m, session: sess}
		ctx := context.WithValue(r.Context(), contextKey{}, sess)
		next.ServeHTTP(sw, r.WithContext(ctx))
		if !sw.wroteHeader {
			sw.WriteHeader(http.StatusOK)
		}
	})
}

func (m *Manager) load(r *http.Request) (*Session, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return newSession(), false
	}
	sess, resign, err := m.Decode(cookie.Value)
	if err != nil {
		m.logger.Debug("discarding session cookie", "error", err, "path", r.URL.Path)
		return newSession(), false
	}
	return sess, resign
}

func (m *Manager) commit(w http.ResponseWriter, s *Session) {
	s.mu.Lock()
	dirty, destroyed := s.dirty, s.destroyed
	s.dirty = false
	s.mu.Unlock()
	if !dirty {
		return
	}
	if destroyed {
		http.SetCookie(w, m.cookie("", -1))
		return
	}
	value, err := m.Encode(s)
	if err != nil {
		m.logger.Error("failed to encode session cookie", "error", err)
		return
	}
	http.SetCookie(w, m.cookie(value, int(m.maxAge.Seconds())))
}

type responseWriter struct {
	http.ResponseWriter
	manager     *Manager
	session     *Session
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.manager.commit(w.ResponseWriter, w.session)
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *responseWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
