//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oshokin/sal-scripts-packager/internal/config"
	"github.com/oshokin/sal-scripts-packager/internal/domain/script"
	"github.com/oshokin/sal-scripts-packager/internal/logger"
)

const (
	// maxResponseSize caps the body read from the server.
	maxResponseSize = 16 << 20

	// defaultRetryInterval is the first backoff delay between attempts.
	defaultRetryInterval = time.Second

	// maxRetryInterval caps the backoff delay between attempts.
	maxRetryInterval = 10 * time.Second
)

// Client performs bounded-time GET requests against the Sal server.
type Client struct {
	// baseURL is the parsed server URL all requests are relative to.
	baseURL *url.URL
	// http is the underlying HTTP client.
	http *http.Client

	// connectTimeout bounds establishing a connection.
	connectTimeout time.Duration
	// requestTimeout bounds a whole request including the body.
	requestTimeout time.Duration
	// retries is the number of extra attempts after a retryable failure.
	retries int
	// retryInterval is the first backoff delay.
	retryInterval time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithConnectTimeout sets the dial and TLS handshake timeout.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.connectTimeout = timeout
		}
	}
}

// WithRequestTimeout sets the overall timeout of a single request.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

// WithRetries enables up to n extra attempts for transport failures and 5xx responses.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithRetryInterval sets the first backoff delay between attempts.
func WithRetryInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.retryInterval = interval
		}
	}
}

// errBaseURLRequired is returned when the server URL is missing.
var errBaseURLRequired = errors.New("server URL must be provided")

// NewClient validates the server URL and prepares an HTTP client with the configured timeouts.
func NewClient(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errBaseURLRequired
	}

	if err := config.ValidateServerURL(serverURL); err != nil {
		return nil, err
	}

	baseURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}

	client := &Client{
		baseURL:        baseURL,
		connectTimeout: config.DefaultConnectTimeout,
		requestTimeout: config.DefaultRequestTimeout,
		retryInterval:  defaultRetryInterval,
	}

	for _, opt := range opts {
		opt(client)
	}

	dialer := &net.Dialer{
		Timeout: client.connectTimeout,
	}

	client.http = &http.Client{
		Timeout: client.requestTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: client.connectTimeout,
		},
	}

	return client, nil
}

// URL returns the absolute address for the path elements, always ending with a slash
// as the Sal routes expect.
func (c *Client) URL(elems ...string) string {
	u := *c.baseURL
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = path.Join(append([]string{"/", c.baseURL.Path}, elems...)...) + "/"

	return u.String()
}

// Get fetches the resource at the path elements and returns its body.
// Any failure is reported as *script.TransportError.
func (c *Client) Get(ctx context.Context, elems ...string) ([]byte, error) {
	target := c.URL(elems...)

	var (
		body    []byte
		attempt int
	)

	operation := func() error {
		attempt++

		var err error

		body, err = c.get(ctx, target)
		if err == nil {
			return nil
		}

		if !isRetryable(err) {
			return backoff.Permanent(err)
		}

		if attempt <= c.retries {
			logger.WarnKV(ctx, "Request failed, retrying", "url", target, "attempt", attempt, "error", err)
		}

		return err
	}

	if err := backoff.Retry(operation, c.newBackOff(ctx)); err != nil {
		var transportErr *script.TransportError
		if errors.As(err, &transportErr) {
			return nil, transportErr
		}

		return nil, &script.TransportError{URL: target, Err: err}
	}

	return body, nil
}

// get performs a single attempt.
func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, &script.TransportError{URL: target, Err: err}
	}

	req.Header.Set("Accept", "application/json")

	response, err := c.http.Do(req)
	if err != nil {
		return nil, &script.TransportError{URL: target, Err: err}
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxResponseSize))

		return nil, &script.TransportError{URL: target, StatusCode: response.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, &script.TransportError{URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	return body, nil
}

// newBackOff returns the retry policy. With zero retries the first failure is final.
//
//nolint:ireturn // backoff.Retry works on the interface.
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxInterval = maxRetryInterval
	policy.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.retries)), ctx)
}

// isRetryable reports whether a failed attempt may succeed when repeated:
// network failures and server-side 5xx errors are, client-side 4xx errors are not.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transportErr *script.TransportError
	if !errors.As(err, &transportErr) {
		return false
	}

	return transportErr.StatusCode == 0 || transportErr.StatusCode >= http.StatusInternalServerError
}
