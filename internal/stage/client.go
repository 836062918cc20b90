package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/pipeshard/internal/tensor"
)

var (
	ErrRemoteCall = errors.New("remote stage call failed")
	ErrTimeout    = errors.New("remote stage call timed out")
)

// DefaultTimeout bounds one forward call. Long prompts on very large shards
// can legitimately take minutes.
const DefaultTimeout = 10 * time.Minute

// maxResponseBytes caps a decoded response body.
const maxResponseBytes = 1 << 30

// Client calls one remote shard worker.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	// shard is the index the worker must echo. Negative skips the check.
	shard int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-call deadline. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithShard makes Forward fail unless the worker reports shard index i.
func WithShard(i int) ClientOption {
	return func(c *Client) { c.shard = i }
}

// NewClient returns a client for the worker at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		timeout: DefaultTimeout,
		shard:   -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the worker's base URL.
func (c *Client) URL() string { return c.baseURL }

// Forward sends in to the worker and returns its output. The call is bounded
// by the client timeout; deadline failures wrap both ErrRemoteCall and
// ErrTimeout.
func (c *Client) Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
	session, step := CallFrom(ctx)
	body, err := Marshal(ForwardRequest{Session: session, Step: step, Input: *in})
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ForwardPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRemoteCall, c.baseURL, err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: %s", ErrRemoteCall, c.baseURL, remoteMessage(resp.StatusCode, raw))
	}

	var out ForwardResponse
	if err := Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRemoteCall, c.baseURL, err)
	}
	if c.shard >= 0 && out.Shard != c.shard {
		return nil, fmt.Errorf("%w: %s: answered as shard %d, want shard %d", ErrRemoteCall, c.baseURL, out.Shard, c.shard)
	}
	if err := out.Output.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: invalid output: %w", ErrRemoteCall, c.baseURL, err)
	}
	return &out.Output, nil
}

// Info fetches the worker's description.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.getJSON(ctx, InfoPath, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Ready reports whether the worker has finished loading.
func (c *Client) Ready(ctx context.Context) error {
	return c.getJSON(ctx, HealthPath, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRemoteCall, c.baseURL, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.wrap(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return c.wrap(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s%s: %s", ErrRemoteCall, c.baseURL, path, remoteMessage(resp.StatusCode, raw))
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s%s: %w", ErrRemoteCall, c.baseURL, path, err)
	}
	return nil
}

func (c *Client) wrap(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %s", ErrRemoteCall, ErrTimeout, c.baseURL)
	}
	return fmt.Errorf("%w: %s: %w", ErrRemoteCall, c.baseURL, err)
}

func remoteMessage(status int, raw []byte) string {
	var eb ErrorBody
	if err := json.Unmarshal(raw, &eb); err == nil && eb.Error.Message != "" {
		return fmt.Sprintf("status %d: %s", status, eb.Error.Message)
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Sprintf("status %d: %s", status, msg)
}
