package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// codeFromRedirect extracts the authorization code from a redirect query,
// checking state when want is non-empty.
func codeFromRedirect(q url.Values, want string) (string, error) {
	if e := q.Get("error"); e != "" {
		if e == "access_denied" {
			return "", ErrUserDeclined
		}
		return "", fmt.Errorf("authorization failed: %s: %s", e, q.Get("error_description"))
	}
	if want != "" && q.Get("state") != want {
		return "", errors.New("authorization failed: state mismatch")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("authorization failed: redirect carried no code")
	}
	return code, nil
}

// PasteReceiver prints the authorization URL and reads back the URL the
// browser was redirected to. It needs no listener on the redirect URI.
type PasteReceiver struct {
	In  io.Reader
	Out io.Writer
}

func (p *PasteReceiver) Receive(ctx context.Context, authURL, state string) (string, error) {
	fmt.Fprintf(p.Out, "Open this URL in your browser and approve access:\n\n  %s\n\n", authURL)
	fmt.Fprint(p.Out, "Then paste the full URL you were redirected to: ")

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if errors.Is(err, io.EOF) && line != "" {
			err = nil
		}
		ch <- result{strings.TrimSpace(line), err}
	}()

	var line string
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("read redirect URL: %w", r.err)
		}
		line = r.line
	}
	if line == "" {
		return "", errors.New("authorization failed: empty input")
	}
	u, err := url.Parse(line)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	return codeFromRedirect(u.Query(), state)
}

type callbackResult struct {
	code string
	err  error
}

// CallbackReceiver completes the grant through an HTTP handler mounted on the
// redirect URI path of the local server.
type CallbackReceiver struct {
	Out io.Writer

	mu      sync.Mutex
	pending map[string]chan callbackResult
}

// NewCallbackReceiver returns a receiver that prints authorization URLs to out.
func NewCallbackReceiver(out io.Writer) *CallbackReceiver {
	return &CallbackReceiver{Out: out, pending: make(map[string]chan callbackResult)}
}

func (c *CallbackReceiver) Receive(ctx context.Context, authURL, state string) (string, error) {
	ch := make(chan callbackResult, 1)
	c.mu.Lock()
	c.pending[state] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, state)
		c.mu.Unlock()
	}()

	if c.Out != nil {
		fmt.Fprintf(c.Out, "Open this URL in your browser and approve access:\n\n  %s\n\n", authURL)
	}
	slog.Info("waiting for OAuth callback", slog.String("component", "auth"))
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.code, r.err
	}
}

// Pending reports whether an authorization is waiting for its callback.
func (c *CallbackReceiver) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// ServeHTTP handles the redirect from Twitch.
func (c *CallbackReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st := q.Get("state")
	c.mu.Lock()
	ch, ok := c.pending[st]
	if ok {
		delete(c.pending, st)
	}
	c.mu.Unlock()
	if !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	code, err := codeFromRedirect(q, "")
	ch <- callbackResult{code: code, err: err}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<p>Authorization failed: %s</p>", html.EscapeString(err.Error()))
		return
	}
	fmt.Fprint(w, "<p>Authorization complete. You can close this tab.</p>")
}
