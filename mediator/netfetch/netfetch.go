// Package netfetch mediates outbound HTTP for plugins under the
// network:fetch capability.
package netfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/netutil"
)

// Capability is the capability this mediator serves.
const Capability capability.Name = "network:fetch"

// Error codes surfaced to plugin code.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeTimeout          = "TIMEOUT"
	CodeTooManyRedirects = "TOO_MANY_REDIRECTS"
	CodeRedirectBlocked  = "REDIRECT_BLOCKED"
	CodeHostNotFound     = "HOST_NOT_FOUND"
	CodeSSRFBlocked      = "SSRF_BLOCKED"
	CodeRequestFailed    = "REQUEST_FAILED"
	CodeReadBodyFailed   = "READ_BODY_FAILED"
)

var errCrossOrigin = errors.New("redirect leaves authorized origin")

// FetchError describes a failed request.
type FetchError struct {
	Code    string
	Message string
}

func (e *FetchError) Error() string { return e.Code + ": " + e.Message }

// Request is the decoded argument table of a fetch call.
type Request struct {
	Headers map[string]string
	Method  string
	URL     *url.URL
	Body    []byte
	Timeout time.Duration
}

// Response is returned to plugin code as a table.
type Response struct {
	Headers   map[string]string
	Body      string
	Latency   time.Duration
	Status    int
	Truncated bool
}

// Map converts r into the value handed back to plugin code.
func (r Response) Map() map[string]any {
	headers := make(map[string]any, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]any{
		"status":     int64(r.Status),
		"headers":    headers,
		"body":       r.Body,
		"truncated":  r.Truncated,
		"latency_ms": r.Latency.Milliseconds(),
	}
}

// Option configures a Mediator.
type Option func(*config)

type config struct {
	logger       *slog.Logger
	transport    http.RoundTripper
	timeout      time.Duration
	maxBodySize  int64
	maxRedirects int
	maxRetries   int
	allowPrivate bool
}

// WithTimeout sets the default and maximum per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxBodySize caps the response body returned to plugins.
func WithMaxBodySize(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBodySize = n
		}
	}
}

// WithMaxRedirects sets how many redirects are followed. Zero disables
// redirects.
func WithMaxRedirects(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRedirects = n
		}
	}
}

// WithRetries sets the retry count for transient failures. Negative
// disables retries.
func WithRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithAllowPrivateNetwork permits private and loopback destinations. Only
// for tests and trusted deployments.
func WithAllowPrivateNetwork(allow bool) Option {
	return func(c *config) { c.allowPrivate = allow }
}

// WithTransport replaces the guarded transport. The SSRF guard is bypassed.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *config) { c.transport = rt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Mediator performs fetches on behalf of plugins. It does not authorize;
// the kernel's enforcement decorator checks the scope from RequestedScope
// before Invoke runs.
type Mediator struct {
	client *http.Client
	cfg    config
}

// New creates a Mediator.
func New(opts ...Option) *Mediator {
	cfg := config{
		logger:       slog.Default(),
		timeout:      30 * time.Second,
		maxBodySize:  10 << 20,
		maxRedirects: 10,
		maxRetries:   -1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	rt := cfg.transport
	if rt == nil {
		dialer := &netutil.SecureDialer{
			AllowPrivateNetwork: cfg.allowPrivate,
			Timeout:             cfg.timeout,
			OnBlocked: func(addr, reason string) {
				cfg.logger.Warn("fetch blocked", "addr", addr, "reason", reason)
			},
		}
		rt = &http.Transport{
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			TLSClientConfig:       netutil.TLSConfig(),
		}
	}
	if cfg.maxRetries >= 0 {
		rt = &netutil.RetryTransport{
			Base:       rt,
			MaxRetries: cfg.maxRetries,
			MaxBackoff: cfg.timeout / 4,
		}
	}

	client := &http.Client{Transport: rt}
	maxRedirects := cfg.maxRedirects
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if maxRedirects == 0 {
			return http.ErrUseLastResponse
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		// A redirect may not leave the authorized origin.
		if !sameOrigin(req.URL, via[0].URL) {
			return fmt.Errorf("%w: %s", errCrossOrigin, req.URL.Host)
		}
		return nil
	}
	return &Mediator{client: client, cfg: cfg}
}

func sameOrigin(a, b *url.URL) bool {
	ah, ap, errA := netutil.Endpoint(a)
	bh, bp, errB := netutil.Endpoint(b)
	return errA == nil && errB == nil && ah == bh && ap == bp
}

// Capabilities implements capability.Mediator.
func (m *Mediator) Capabilities() []capability.Name { return []capability.Name{Capability} }

// RequestedScope derives {domain, port, method} from the call's url and
// method arguments.
func (m *Mediator) RequestedScope(call capability.Call) (capability.Scope, error) {
	req, err := ParseRequest(call.Args)
	if err != nil {
		return capability.Scope{}, err
	}
	host, port, err := netutil.Endpoint(req.URL)
	if err != nil {
		return capability.Scope{}, err
	}
	return capability.NewScope(map[string]string{
		"domain": host,
		"port":   port,
		"method": req.Method,
	})
}

// ParseRequest decodes a fetch argument table. Only url is required.
func ParseRequest(args map[string]any) (Request, error) {
	raw, _ := args["url"].(string)
	if raw == "" {
		return Request{}, &FetchError{Code: CodeInvalidRequest, Message: "url is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Request{}, &FetchError{Code: CodeInvalidRequest, Message: err.Error()}
	}
	if _, _, err := netutil.Endpoint(u); err != nil {
		return Request{}, &FetchError{Code: CodeInvalidRequest, Message: err.Error()}
	}

	req := Request{URL: u, Method: http.MethodGet}
	if method, ok := args["method"].(string); ok && method != "" {
		req.Method = strings.ToUpper(method)
	}
	switch body := args["body"].(type) {
	case string:
		req.Body = []byte(body)
	case []byte:
		req.Body = body
	}
	if h, ok := args["headers"].(map[string]any); ok {
		req.Headers = make(map[string]string, len(h))
		for k, v := range h {
			if s, ok := v.(string); ok {
				req.Headers[k] = s
			}
		}
	}
	switch ms := args["timeout_ms"].(type) {
	case int64:
		req.Timeout = time.Duration(ms) * time.Millisecond
	case float64:
		req.Timeout = time.Duration(ms) * time.Millisecond
	}
	return req, nil
}

// Invoke performs the request described by call.Args.
func (m *Mediator) Invoke(ctx context.Context, call capability.Call) (any, error) {
	req, err := ParseRequest(call.Args)
	if err != nil {
		return nil, err
	}
	resp, err := m.Fetch(ctx, req)
	if err != nil {
		m.cfg.logger.Debug("fetch failed",
			"plugin", call.PluginID, "url", netutil.StripCredentials(req.URL.String()), "error", err)
		return nil, err
	}
	return resp.Map(), nil
}

// Fetch performs req.
func (m *Mediator) Fetch(ctx context.Context, req Request) (Response, error) {
	timeout := m.cfg.timeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return Response{}, &FetchError{Code: CodeInvalidRequest, Message: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := m.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return Response{Latency: latency}, classify(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, truncated, err := netutil.ReadAtMost(resp.Body, m.cfg.maxBodySize)
	if err != nil {
		return Response{Status: resp.StatusCode, Latency: latency},
			&FetchError{Code: CodeReadBodyFailed, Message: err.Error()}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return Response{
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      string(data),
		Truncated: truncated,
		Latency:   latency,
	}, nil
}

func classify(ctx context.Context, err error) *FetchError {
	code := CodeRequestFailed
	msg := err.Error()
	switch {
	case netutil.IsSSRFBlockedError(err):
		code = CodeSSRFBlocked
	case errors.Is(err, errCrossOrigin):
		code = CodeRedirectBlocked
	case errors.Is(ctx.Err(), context.DeadlineExceeded), strings.Contains(msg, "timeout"):
		code = CodeTimeout
	case strings.Contains(msg, "redirect"):
		code = CodeTooManyRedirects
	case strings.Contains(msg, "no such host"):
		code = CodeHostNotFound
	}
	return &FetchError{Code: code, Message: msg}
}
