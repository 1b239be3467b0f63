package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/miguel-bm/threadwatch/internal/db"
	"golang.org/x/crypto/bcrypt"
)

var errAlreadySetup = errors.New("already setup")

const tokenTTL = 7 * 24 * time.Hour

// AuthService guards the admin API with a single password. The bcrypt hash
// lives in the settings table; tokens are HS256 JWTs.
type AuthService struct {
	db        *db.DB
	jwtSecret []byte
}

type contextKey string

const userContextKey contextKey = "user"

// NewAuthService loads the signing key from secretPath, generating it on
// first use. An empty path keeps a random key in memory only.
func NewAuthService(database *db.DB, secretPath string) (*AuthService, error) {
	secret, err := loadOrCreateSecret(secretPath)
	if err != nil {
		return nil, err
	}
	return &AuthService{db: database, jwtSecret: secret}, nil
}

func loadOrCreateSecret(path string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoded, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
			if decErr == nil && len(decoded) >= 32 {
				return decoded, nil
			}
			slog.Warn("corrupt jwt secret file, regenerating", "path", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read jwt secret: %w", err)
		}
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	if path == "" {
		return secret, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0600); err != nil {
		return nil, fmt.Errorf("write jwt secret: %w", err)
	}
	return secret, nil
}

func (a *AuthService) passwordHash() (string, error) {
	setting, err := a.db.GetSetting(db.SettingAdminPasswordHash)
	if errors.Is(err, db.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (a *AuthService) IsSetup() bool {
	hash, err := a.passwordHash()
	return err == nil && hash != ""
}

func (a *AuthService) Setup(password string) error {
	if a.IsSetup() {
		return errAlreadySetup
	}
	return a.ChangePassword(password)
}

// ChangePassword hashes the new password and stores it.
func (a *AuthService) ChangePassword(newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = a.db.SetSetting(db.SettingAdminPasswordHash, string(hash))
	return err
}

func (a *AuthService) ValidatePassword(password string) bool {
	hash, err := a.passwordHash()
	if err != nil || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (a *AuthService) GenerateToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

func (a *AuthService) ValidateToken(tokenString string) bool {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil && token.Valid
}

// loginRateLimiter tracks failed auth attempts per IP.
type loginRateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time // IP → timestamps of recent failures
	window   time.Duration
	max      int
}

func newLoginRateLimiter(max int, window time.Duration) *loginRateLimiter {
	return &loginRateLimiter{
		attempts: make(map[string][]time.Time),
		window:   window,
		max:      max,
	}
}

// allow returns true if the IP has not exceeded the rate limit.
func (rl *loginRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	recent := rl.attempts[ip][:0]
	for _, t := range rl.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(rl.attempts, ip)
	} else {
		rl.attempts[ip] = recent
	}
	return len(recent) < rl.max
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.attempts[ip] = append(rl.attempts[ip], time.Now())
}

// reset clears attempts for the IP (called on successful login).
func (rl *loginRateLimiter) reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// clientIP extracts the client IP. Forwarding headers (CF-Connecting-IP,
// then the first valid X-Forwarded-For entry) are only honored when the
// direct peer is a loopback or private address, i.e. a local reverse proxy.
func clientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	peer := net.ParseIP(remote)
	if peer == nil || !(peer.IsLoopback() || peer.IsPrivate()) {
		return remote
	}

	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("CF-Connecting-IP"))); ip != nil {
		return ip.String()
	}
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			return ip.String()
		}
	}
	return remote
}

// HTTP Handlers

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}
		if !s.auth.ValidateToken(token) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, "admin")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"setup": s.auth.IsSetup(),
	})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.authLimiter.allow(ip) {
		writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
		return
	}

	var input struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if input.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}
	if len(input.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	if err := s.auth.Setup(input.Password); err != nil {
		if errors.Is(err, errAlreadySetup) {
			s.authLimiter.record(ip)
			writeError(w, http.StatusConflict, "already setup")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to setup")
		return
	}
	s.authLimiter.reset(ip)

	token, err := s.auth.GenerateToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.authLimiter.allow(ip) {
		writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
		return
	}

	var input struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.auth.ValidatePassword(input.Password) {
		s.authLimiter.record(ip)
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	s.authLimiter.reset(ip)

	token, err := s.auth.GenerateToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"user": "authenticated",
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var input struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if input.CurrentPassword == "" || input.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "current and new passwords are required")
		return
	}
	if len(input.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}
	if !s.auth.ValidatePassword(input.CurrentPassword) {
		writeError(w, http.StatusUnauthorized, "invalid current password")
		return
	}
	if err := s.auth.ChangePassword(input.NewPassword); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to change password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
