// Package fetch is the network substrate for gateway attempts: a rate-limited
// HTTP client with a per-attempt timeout and bounded, decoded bodies.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrGatewayTimeout means one attempt ran past its own deadline.
	ErrGatewayTimeout = errors.New("fetch: gateway timeout")
	// ErrGatewayUnreachable covers DNS, connection and transport failures.
	ErrGatewayUnreachable = errors.New("fetch: gateway unreachable")
	// ErrBodyTooLarge means the response exceeded the configured body limit.
	ErrBodyTooLarge = errors.New("fetch: body too large")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: %s returned status %d", e.URL, e.Status)
}

// Fetcher retrieves documents. *Client implements it; tests substitute fakes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Document, error)
	// Probe confirms that url exists without downloading it.
	Probe(ctx context.Context, url string) error
}

// httpDoer is satisfied by *http.Client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Document is a fetched response body.
type Document struct {
	URL         string
	Status      int
	ContentType string
	// Headers are lower-cased, first value only.
	Headers map[string]string
	Body    []byte
	// JSON holds the decoded body when it is a JSON document. Numbers are
	// normalised to int64 or float64.
	JSON       any
	Structured bool
}

// Config configures a Client.
type Config struct {
	// AttemptTimeout bounds each request including the body read.
	AttemptTimeout time.Duration
	// RateLimit is requests per second across all gateways. Zero disables
	// limiting.
	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
	UserAgent    string
	HTTPClient   *http.Client
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 5 * time.Second,
		RateLimit:      20,
		RateBurst:      10,
		MaxBodyBytes:   4 << 20,
		UserAgent:      "ledgerlens/1.0",
	}
}

// Client is a rate-limited HTTP client for gateway attempts.
type Client struct {
	http      httpDoer
	limiter   *rate.Limiter
	timeout   time.Duration
	maxBody   int64
	userAgent string
}

// NewClient constructs a Client, filling unset fields from DefaultConfig.
func NewClient(cfg Config) *Client {
	defaults := DefaultConfig()
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaults.AttemptTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaults.RateBurst
	}
	client := &Client{
		timeout:   cfg.AttemptTimeout,
		maxBody:   cfg.MaxBodyBytes,
		userAgent: cfg.UserAgent,
	}
	if cfg.HTTPClient != nil {
		client.http = cfg.HTTPClient
	} else {
		client.http = &http.Client{}
	}
	if cfg.RateLimit > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return client
}

// Fetch downloads url within one attempt timeout.
func (c *Client) Fetch(ctx context.Context, url string) (Document, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(attemptCtx, ctx, http.MethodGet, url)
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Document{}, &StatusError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return Document{}, classify(attemptCtx, ctx, url, err)
	}
	if int64(len(body)) > c.maxBody {
		return Document{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, url, c.maxBody)
	}

	doc := Document{
		URL:         url,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     captureResponseHeaders(resp.Header),
		Body:        body,
	}
	if decoded, ok := decodeJSON(doc.ContentType, body); ok {
		doc.JSON = decoded
		doc.Structured = true
	}
	return doc, nil
}

// Probe issues a HEAD request. Servers that refuse HEAD (405, 501) are
// treated as present; the following GET decides.
func (c *Client) Probe(ctx context.Context, url string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(attemptCtx, ctx, http.MethodHead, url)
	if err != nil {
		return err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusMethodNotAllowed, resp.StatusCode == http.StatusNotImplemented:
		return nil
	}
	return &StatusError{URL: url, Status: resp.StatusCode}
}

func (c *Client) do(attemptCtx, parent context.Context, method, url string) (*http.Response, error) {
	if c.limiter != nil {
		// Wait fails early when the reservation would outlive the attempt.
		if err := c.limiter.Wait(attemptCtx); err != nil {
			if parentErr := parent.Err(); parentErr != nil {
				return nil, fmt.Errorf("fetch: %s: %w", url, parentErr)
			}
			return nil, fmt.Errorf("%w: %s: rate limited", ErrGatewayTimeout, url)
		}
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request %s: %v", ErrGatewayUnreachable, url, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, */*;q=0.8")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(attemptCtx, parent, url, err)
	}
	return resp, nil
}

// classify maps a transport error to the caller's cancellation, an attempt
// timeout, or an unreachable gateway.
func classify(attemptCtx, parent context.Context, url string, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return fmt.Errorf("fetch: %s: %w", url, parentErr)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrGatewayTimeout, url)
	}
	return fmt.Errorf("%w: %s: %v", ErrGatewayUnreachable, url, err)
}

// decodeJSON decodes bodies labelled as JSON, and unlabelled bodies that look
// like a JSON object or array since gateways often serve text/plain.
func decodeJSON(contentType string, body []byte) (any, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}
	labelled := strings.Contains(strings.ToLower(contentType), "json")
	if !labelled && trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, false
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, false
	}
	if decoder.More() {
		return nil, false
	}
	return NormalizeJSONNumbers(payload), true
}

// DecodeJSON decodes raw JSON with the same number normalisation as Fetch.
func DecodeJSON(body []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("fetch: json decode: %w", err)
	}
	return NormalizeJSONNumbers(payload), nil
}

// captureResponseHeaders keeps the first value of each header under a
// lower-cased name.
func captureResponseHeaders(header http.Header) map[string]string {
	headers := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	return headers
}

// NormalizeJSONNumbers recursively converts json.Number values to int64 or
// float64 so CEL sees native numeric types.
func NormalizeJSONNumbers(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = NormalizeJSONNumbers(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = NormalizeJSONNumbers(val)
		}
		return out
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	default:
		return v
	}
}
