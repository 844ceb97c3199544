// Package transport implements the Transport capability (§4.8): a thin
// klient-backed HTTP client per provider endpoint. It owns no retry
// logic of its own — Server stage's backoff loop drives retries, so
// the underlying klient client is built with retry disabled, mirroring
// openai.New's WithDisableRetry(true) (the teacher's own comment: "r
// elay's own loop owns retries instead of klient's").
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"
)

// Response is a dispatched, fully-read HTTP response body.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StreamEvent is one parsed SSE "data:" line off the wire, grounded on
// openai.go's ChatStream scanner loop.
type StreamEvent struct {
	Data string // raw JSON payload; DoStream stops at the "[DONE]" sentinel and never delivers it
	Err  error
}

// Client wraps one provider endpoint's klient.Client.
type Client struct {
	endpoint string
	http     *klient.Client
}

// Option configures a Client at construction time.
type Option func(*options)

type options struct {
	proxy              string
	insecureSkipVerify bool
}

// WithProxy sets an HTTP/HTTPS/SOCKS5 proxy URL, mirroring openai.New's
// proxy parameter.
func WithProxy(proxy string) Option {
	return func(o *options) { o.proxy = proxy }
}

// WithInsecureSkipVerify disables TLS verification (debug/local only).
func WithInsecureSkipVerify() Option {
	return func(o *options) { o.insecureSkipVerify = true }
}

// New builds a Client for endpoint. It sets no default headers; the
// Server stage supplies every header per request (Authorization in
// particular) since those can change between requests via
// CredentialManager.
func New(endpoint string, opts ...Option) (*Client, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(endpoint),
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	}
	if o.proxy != "" {
		klientOpts = append(klientOpts, klient.WithProxy(o.proxy))
	}
	if o.insecureSkipVerify {
		klientOpts = append(klientOpts, klient.WithInsecureSkipVerify(true))
	}

	c, err := klient.New(klientOpts...)
	if err != nil {
		return nil, fmt.Errorf("build transport client for %q: %w", endpoint, err)
	}

	return &Client{endpoint: endpoint, http: c}, nil
}

// Do dispatches a single non-streaming request and returns the fully
// read response. The caller supplies headers and body; Do adds
// nothing beyond what klient's base client already carries.
func (c *Client) Do(ctx context.Context, method, path string, headers http.Header, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	var resp Response
	if err := c.http.Do(req, func(r *http.Response) error {
		resp.StatusCode = r.StatusCode
		resp.Header = r.Header

		data, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		resp.Body = data
		return nil
	}); err != nil {
		return nil, err
	}

	return &resp, nil
}

// DoStream dispatches a streaming request and returns an SSE event
// iterator, grounded on openai.go's ChatStream: raw HTTP.Do (klient's
// retry-disabled transport still applies headers/base URL), then a
// buffered line scanner over "data: " lines until "[DONE]" or EOF.
func (c *Client) DoStream(ctx context.Context, method, path string, headers http.Header, body io.Reader) (<-chan StreamEvent, int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.HTTP.Do(req)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("streaming request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, resp.StatusCode, resp.Header, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(data))
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			select {
			case ch <- StreamEvent{Data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamEvent{Err: fmt.Errorf("stream scan failed: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, resp.StatusCode, resp.Header, nil
}

// DecodeError attempts to parse a non-2xx body as a generic
// {"error":{"message":...}} envelope, falling back to the raw body.
func DecodeError(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return string(body)
}
