package logrelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAttempts = 5
	defaultBackoff  = 500 * time.Millisecond
)

// StatusError reports a non-2xx answer from the coordinating server.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Code)
}

type ClientConfig struct {
	ServerURL string
	BuildID   string
	Username  string
	Password  string
}

func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.BuildID) == "" {
		return errors.New("build id is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server url must be absolute http(s): %q", c.ServerURL)
	}
	return nil
}

// Client is the remote channel to the coordinating server. Requests
// carry basic auth only when they target the server's own origin, and
// timeout-class answers (408, 504) are retried with doubling delay, five
// attempts in all. Everything else fails immediately.
type Client struct {
	serverURL *url.URL
	buildID   string
	username  string
	password  string
	http      *http.Client
	attempts  int
	backoff   time.Duration
	sleep     func(context.Context, time.Duration) error
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	return &Client{
		serverURL: u,
		buildID:   cfg.BuildID,
		username:  cfg.Username,
		password:  cfg.Password,
		http:      &http.Client{Timeout: 30 * time.Second},
		attempts:  defaultAttempts,
		backoff:   defaultBackoff,
		sleep:     sleepContext,
	}, nil
}

// PostLog submits one formatted protocol line to the build's log.
func (c *Client) PostLog(ctx context.Context, line string) error {
	target := c.serverURL.JoinPath("builds", "id:"+c.buildID, "log")
	return c.do(ctx, http.MethodPost, target, []byte(line), "text/plain")
}

// PostFinish signals that the build is complete. Empty body.
func (c *Client) PostFinish(ctx context.Context) error {
	target := c.serverURL.JoinPath("builds", "id:"+c.buildID, "finish")
	return c.do(ctx, http.MethodPut, target, nil, "")
}

func (c *Client) do(ctx context.Context, method string, target *url.URL, body []byte, contentType string) error {
	delay := c.backoff
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, target.Path, err)
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if !retryable(resp.StatusCode) {
			return fmt.Errorf("%s %s: %w", method, target.Path, &StatusError{Code: resp.StatusCode})
		}
		if attempt >= c.attempts {
			return fmt.Errorf("%s %s: giving up after %d attempts: %w",
				method, target.Path, attempt, &StatusError{Code: resp.StatusCode})
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

// authorize attaches basic auth when the request stays on the server's
// origin. Credentials must never travel to other hosts, presigned blob
// endpoints included.
func (c *Client) authorize(req *http.Request) {
	if sameOrigin(req.URL, c.serverURL) {
		req.SetBasicAuth(c.username, c.password)
	}
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}

func retryable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
