// Package tunnel exposes the local webhook on a public HTTPS URL through a
// cloudflared quick tunnel, so Pub/Sub push subscriptions can reach a bot
// running on a workstation.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// startTimeout bounds how long cloudflared may take to print its URL.
const startTimeout = 30 * time.Second

var urlRegex = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)

// command builds the cloudflared process; replaced in tests.
var command = func(ctx context.Context, port int) *exec.Cmd {
	return exec.CommandContext(ctx, "cloudflared", "tunnel", "--no-autoupdate", "--url", fmt.Sprintf("http://localhost:%d", port))
}

// Tunnel is a running cloudflared quick tunnel
type Tunnel struct {
	Port int
	URL  string

	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

// Available checks if cloudflared is installed
func Available() bool {
	_, err := exec.LookPath("cloudflared")
	return err == nil
}

// Start launches cloudflared for the local port and waits for its public URL.
// The tunnel lives until ctx is done or Stop is called.
func Start(ctx context.Context, port int) (*Tunnel, error) {
	runCtx, cancel := context.WithCancel(ctx)
	cmd := command(runCtx, port)

	// cloudflared logs the assigned URL on stderr.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start cloudflared: %w", err)
	}

	t := &Tunnel{
		Port:   port,
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	type result struct {
		url string
		err error
	}
	found := make(chan result, 1)
	go func() {
		u, err := scanURL(stderr)
		found <- result{u, err}
		// Keep draining so cloudflared never blocks on a full pipe.
		io.Copy(io.Discard, stderr)
	}()

	timer := time.NewTimer(startTimeout)
	defer timer.Stop()
	select {
	case r := <-found:
		if r.err != nil {
			t.abort()
			return nil, r.err
		}
		t.URL = r.url
	case <-timer.C:
		t.abort()
		return nil, fmt.Errorf("cloudflared printed no tunnel URL within %s", startTimeout)
	case <-ctx.Done():
		t.abort()
		return nil, ctx.Err()
	}

	go func() {
		err := cmd.Wait()
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if !stopped {
			slog.Warn("cloudflared exited", "url", t.URL, "error", err)
		}
		close(t.done)
	}()

	return t, nil
}

// scanURL reads cloudflared output until the tunnel URL appears.
func scanURL(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if match := urlRegex.FindString(scanner.Text()); match != "" {
			return match, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read cloudflared output: %w", err)
	}
	return "", errors.New("cloudflared exited before printing a tunnel URL")
}

// WebhookURL is the push endpoint to register on the Pub/Sub subscription.
func (t *Tunnel) WebhookURL(path, token string) string {
	u := strings.TrimSuffix(t.URL, "/") + "/" + strings.TrimPrefix(path, "/")
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// Done is closed when the cloudflared process exits.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Stop terminates the tunnel. It is safe to call more than once.
func (t *Tunnel) Stop() {
	t.kill()
}

// abort kills a tunnel that never came up and reaps the process.
func (t *Tunnel) abort() {
	t.kill()
	go func() {
		t.cmd.Wait()
		close(t.done)
	}()
}

func (t *Tunnel) kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.cancel()
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
}
