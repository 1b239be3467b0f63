package credentials

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// ConsoleExchange runs the installed-app consent flow on a terminal: it
// prints the consent URL, reads back the authorization code (or the whole
// redirect URL) and exchanges it for a token.
func ConsoleExchange(ctx context.Context, cfg *oauth2.Config, in io.Reader, out io.Writer) (*oauth2.Token, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(nonce[:])
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))

	fmt.Fprintf(out, "Open this URL in a browser and approve access:\n\n  %s\n\n", authURL)
	fmt.Fprint(out, "Paste the authorization code or the full redirect URL: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read authorization code: %w", err)
	}
	code, err := parseCode(line, state)
	if err != nil {
		return nil, err
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		fmt.Fprintln(out, "warning: no refresh token returned; the token will stop working when it expires")
	}
	return tok, nil
}

func parseCode(input, state string) (string, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		u, err := url.Parse(input)
		if err != nil {
			return "", fmt.Errorf("parse redirect URL: %w", err)
		}
		q := u.Query()
		if got := q.Get("state"); got != "" && got != state {
			return "", errors.New("redirect URL state does not match this login attempt")
		}
		input = q.Get("code")
	}
	if input == "" {
		return "", errors.New("no authorization code entered")
	}
	return input, nil
}
