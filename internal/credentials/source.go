package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
)

// Source is an oauth2.TokenSource that refreshes through the OAuth client
// and writes every refreshed token back to its file.
type Source struct {
	cfg  *oauth2.Config
	path string

	mu      sync.Mutex
	current *oauth2.Token
	src     oauth2.TokenSource
}

// NewSource loads the token at path. It returns ErrNoToken when the file is
// missing.
func NewSource(cfg *oauth2.Config, path string) (*Source, error) {
	tok, err := LoadToken(path)
	if err != nil {
		return nil, err
	}
	s := &Source{cfg: cfg, path: path}
	s.set(tok)
	return s, nil
}

func (s *Source) set(tok *oauth2.Token) {
	s.current = tok
	s.src = s.cfg.TokenSource(context.Background(), tok)
}

// Path returns the token file location.
func (s *Source) Path() string {
	return s.path
}

// Token implements oauth2.TokenSource.
func (s *Source) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if s.current == nil || tok.AccessToken != s.current.AccessToken || tok.RefreshToken != s.current.RefreshToken {
		if err := SaveToken(s.path, tok); err != nil {
			slog.Warn("failed to persist refreshed token", "path", s.path, "error", err)
		} else {
			slog.Info("token refreshed", "path", s.path, "expiry", tok.Expiry)
		}
		s.current = tok
	}
	return tok, nil
}

// Current returns the last token seen without refreshing.
func (s *Source) Current() *oauth2.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	tok := *s.current
	return &tok
}

// Reload re-reads the token file, picking up a token written by
// `threadwatch auth` while the server runs.
func (s *Source) Reload() error {
	tok, err := LoadToken(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && tok.AccessToken == s.current.AccessToken && tok.RefreshToken == s.current.RefreshToken {
		return nil
	}
	s.set(tok)
	slog.Info("token reloaded from disk", "path", s.path)
	return nil
}
