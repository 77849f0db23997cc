// Package translate implements the client for a LibreTranslate-compatible
// translation backend. Every call goes through a shared Gate so the number
// of requests in flight never exceeds its capacity, no matter how many
// passages are queued.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/minios-linux/quoteharvest/metrics"
)

// DefaultEndpoint is the translate URL of a local LibreTranslate instance.
const DefaultEndpoint = "http://localhost:8080/translate"

// SourceAuto asks the backend to detect the source language.
const SourceAuto = "auto"

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 1 << 20

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Kind classifies translation failures.
type Kind int

const (
	// KindTransport covers network errors, non-2xx statuses, cancelled
	// waits and calls skipped by an open circuit breaker.
	KindTransport Kind = iota + 1
	// KindParse covers undecodable bodies and missing translatedText.
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Error is returned by Translate.
type Error struct {
	Kind Kind
	Lang string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("translating to %s: %s failure: %v", e.Lang, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindTransport
}

// IsParse reports whether err is a parse failure.
func IsParse(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindParse
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options controls the client behavior.
type Options struct {
	// Endpoint is the full translate URL (default DefaultEndpoint).
	Endpoint string
	// APIKey is sent as api_key when non-empty.
	APIKey string
	// Source is the source language sent to the backend (default "auto").
	Source string
	// Timeout is the per-request timeout (default 60s).
	Timeout time.Duration
	// Proxy is an optional HTTP/HTTPS proxy URL; HTTP_PROXY etc. apply otherwise.
	Proxy string
	// RateLimit caps requests per second across the client (0 = unlimited).
	RateLimit float64
	// BreakerFailures opens the circuit after this many consecutive
	// transport failures (0 = no breaker).
	BreakerFailures int
	// BreakerCooldown is how long the circuit stays open (default 30s).
	BreakerCooldown time.Duration
	// HTTPClient overrides the HTTP client built from Timeout and Proxy.
	HTTPClient *http.Client
	// OnLog emits log messages.
	OnLog func(format string, args ...any)
	// OnError emits error messages.
	OnError func(format string, args ...any)
	// Verbose enables per-request logging.
	Verbose bool
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) logError(format string, args ...any) {
	if o.OnError != nil {
		o.OnError(format, args...)
	} else if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) effectiveEndpoint() string {
	if o.Endpoint != "" {
		return o.Endpoint
	}
	return DefaultEndpoint
}

func (o *Options) effectiveSource() string {
	if o.Source != "" {
		return o.Source
	}
	return SourceAuto
}

func (o *Options) effectiveTimeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return 60 * time.Second
}

func (o *Options) effectiveCooldown() time.Duration {
	if o.BreakerCooldown > 0 {
		return o.BreakerCooldown
	}
	return 30 * time.Second
}

// ---------------------------------------------------------------------------
// HTTP client with real proxy support
// ---------------------------------------------------------------------------

func makeHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client translates single passages.
type Client struct {
	opts    Options
	gate    *Gate
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	calls   atomic.Int64
}

// NewClient returns a client whose calls are bounded by gate. A nil gate
// gets a private one of DefaultMaxConcurrent slots.
func NewClient(gate *Gate, opts Options) *Client {
	if gate == nil {
		gate = NewGate(DefaultMaxConcurrent)
	}
	c := &Client{opts: opts, gate: gate, http: opts.HTTPClient}
	if c.http == nil {
		c.http = makeHTTPClient(opts.Proxy, opts.effectiveTimeout())
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	if opts.BreakerFailures > 0 {
		threshold := uint32(opts.BreakerFailures)
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "translate",
			MaxRequests: 1,
			Timeout:     opts.effectiveCooldown(),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !IsTransport(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				opts.log("translation circuit %s -> %s", from, to)
			},
		})
	}
	return c
}

// Gate returns the gate bounding this client.
func (c *Client) Gate() *Gate { return c.gate }

// Calls returns the number of HTTP requests issued so far.
func (c *Client) Calls() int { return int(c.calls.Load()) }

// Translate translates text into target. The gate slot is held for the
// whole call and released on every path.
func (c *Client) Translate(ctx context.Context, text, target string) (string, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return "", &Error{Kind: KindTransport, Lang: target, Err: err}
	}
	defer c.gate.Release()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &Error{Kind: KindTransport, Lang: target, Err: err}
		}
	}

	start := time.Now()
	out, err := c.do(ctx, text, target)
	metrics.TranslationDuration.Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			result = te.Kind.String()
		}
	}
	metrics.TranslationRequests.WithLabelValues(target, result).Inc()
	return out, err
}

// TranslateOrKeep translates text into target, or logs the failure and
// returns text unchanged. The boolean reports whether a translation was made.
func (c *Client) TranslateOrKeep(ctx context.Context, text, target string) (string, bool) {
	out, err := c.Translate(ctx, text, target)
	if err != nil {
		c.opts.logError("translation of %q to %s failed, keeping original: %v", truncate(text, 60), target, err)
		return text, false
	}
	return out, true
}

func (c *Client) do(ctx context.Context, text, target string) (string, error) {
	if c.breaker == nil {
		return c.post(ctx, text, target)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, text, target)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &Error{Kind: KindTransport, Lang: target, Err: err}
		}
		return "", err
	}
	return out.(string), nil
}

// response is the LibreTranslate reply body.
type response struct {
	TranslatedText *string `json:"translatedText"`
	Error          string  `json:"error"`
}

func (c *Client) post(ctx context.Context, text, target string) (string, error) {
	form := url.Values{}
	form.Set("q", text)
	form.Set("source", c.opts.effectiveSource())
	form.Set("target", target)
	form.Set("format", "text")
	if c.opts.APIKey != "" {
		form.Set("api_key", c.opts.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.effectiveEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Kind: KindTransport, Lang: target, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	c.calls.Add(1)
	if c.opts.Verbose {
		c.opts.log("POST %s target=%s (%d chars)", c.opts.effectiveEndpoint(), target, len([]rune(text)))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Kind: KindTransport, Lang: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", &Error{Kind: KindTransport, Lang: target, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{Kind: KindTransport, Lang: target, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))}
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return "", &Error{Kind: KindParse, Lang: target, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if r.TranslatedText == nil {
		msg := "response has no translatedText"
		if r.Error != "" {
			msg += ": " + r.Error
		}
		return "", &Error{Kind: KindParse, Lang: target, Err: errors.New(msg)}
	}
	return *r.TranslatedText, nil
}

// truncate shortens s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
