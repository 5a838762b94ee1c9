package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/pithecene-io/cairn/iox"
)

// Default retry tuning. Blocks get one long cooldown per attempt because
// they signal a server-side penalty window, not load shedding.
const (
	DefaultRetries      = 6
	DefaultBaseDelay    = 600 * time.Millisecond
	DefaultBlockedDelay = 60 * time.Second
	DefaultJitterCap    = 200 * time.Millisecond

	// backoffFactor is the exponential growth factor for throttle delays.
	backoffFactor = 1.6

	// snippetLen caps upstream body excerpts carried in error messages.
	snippetLen = 200
)

// StepSink receives structured observations from the retry loop.
// The telemetry façade satisfies this; a nil sink disables emission.
type StepSink interface {
	LogStep(phase string, data map[string]any) error
}

// RetryConfig tunes the backoff behavior.
type RetryConfig struct {
	// BaseDelay seeds the exponential throttle backoff.
	BaseDelay time.Duration
	// BlockedDelay is the fixed cooldown after an access block.
	BlockedDelay time.Duration
	// JitterCap bounds the random jitter added to every delay.
	JitterCap time.Duration
}

// withDefaults fills zero fields with the documented defaults.
func (c RetryConfig) withDefaults() RetryConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.BlockedDelay <= 0 {
		c.BlockedDelay = DefaultBlockedDelay
	}
	if c.JitterCap < 0 {
		c.JitterCap = DefaultJitterCap
	}
	return c
}

// Options configures a single JSONGet operation.
type Options struct {
	// Headers are added to every request.
	Headers map[string]string
	// Retries is the retry budget; nil means DefaultRetries. The
	// operation makes at most Retries+1 attempts.
	Retries *int
	// Retry tunes backoff delays.
	Retry RetryConfig
	// Sink, when non-nil, receives a "network_throttle" observation
	// before every retry sleep.
	Sink StepSink
	// PhaseCtx tags sink observations with the caller's phase.
	PhaseCtx string
	// TolerateBlocked, when set, returns the bare *BlockedError on
	// exhaustion so callers can stop paging while keeping partial
	// results. When unset the blocked error is wrapped with operation
	// context; errors.As still resolves it either way.
	TolerateBlocked bool
	// Client overrides the HTTP client; defaults to http.DefaultClient.
	Client *http.Client
}

// JSONGet performs an HTTP GET expecting a JSON body, retrying throttle
// and access-block failures per the configured budget. It returns the
// parsed body on success.
//
// A response succeeds only if the status is in the 2xx range AND the
// parsed body does not carry an explicit success=false flag. Hard
// failures (unclassified statuses) return immediately. Retry sleeps
// respect ctx; callers needing early termination wrap the call with
// their own timeout and treat cancellation as a hard failure.
func JSONGet(ctx context.Context, url string, opts Options) (map[string]any, error) {
	retries := DefaultRetries
	if opts.Retries != nil {
		retries = *opts.Retries
	}
	if retries < 0 {
		return nil, fmt.Errorf("fetch: retries must be >= 0, got %d", retries)
	}
	cfg := opts.Retry.withDefaults()
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		body, err := doAttempt(ctx, client, url, opts.Headers)
		if err == nil {
			return body, nil
		}

		class := classOf(err)
		if class == ClassFatal {
			return nil, err
		}
		lastErr = err
		if attempt >= retries {
			break
		}

		delay := retryDelay(class, attempt, cfg)
		emitThrottle(opts.Sink, url, err, attempt, class, delay, opts.PhaseCtx)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch %s: canceled during backoff: %w", url, ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, exhausted(url, lastErr, opts.TolerateBlocked)
}

// doAttempt performs one GET and maps the response to either a parsed
// body or a classified error.
func doAttempt(ctx context.Context, client *http.Client, url string, headers map[string]string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &StatusError{Status: 0, URL: url, Msg: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		// url.Error; classified as throttle upstream.
		return nil, err
	}
	defer iox.DiscardClose(resp.Body)

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ThrottleError{Status: resp.StatusCode, URL: url, Msg: "read body: " + err.Error()}
	}

	var body map[string]any
	if err := json.Unmarshal(text, &body); err != nil {
		return nil, &BodyError{Status: resp.StatusCode, URL: url, Snippet: snippet(text, snippetLen)}
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok && !explicitFailure(body) {
		return body, nil
	}

	msg := failureMessage(body, text)
	switch Classify(resp.StatusCode, msg) {
	case ClassAccessBlock:
		return nil, &BlockedError{Status: resp.StatusCode, URL: url, Msg: msg}
	case ClassThrottle:
		return nil, &ThrottleError{Status: resp.StatusCode, URL: url, Msg: msg}
	default:
		return nil, &StatusError{Status: resp.StatusCode, URL: url, Msg: msg}
	}
}

// explicitFailure reports whether a 2xx body carries success=false.
func explicitFailure(body map[string]any) bool {
	success, present := body["success"]
	if !present {
		return false
	}
	flag, isBool := success.(bool)
	return isBool && !flag
}

// failureMessage extracts the upstream error message, preferring the
// body's error field over a raw text excerpt.
func failureMessage(body map[string]any, text []byte) string {
	if msg, ok := body["error"].(string); ok && msg != "" {
		return msg
	}
	return snippet(text, 500)
}

func snippet(text []byte, n int) string {
	if len(text) > n {
		text = text[:n]
	}
	return string(text)
}

// retryDelay computes the sleep before the next attempt. Throttle
// failures back off exponentially; access blocks take one long fixed
// cooldown because the penalty window does not shrink with retries.
func retryDelay(class Class, attempt int, cfg RetryConfig) time.Duration {
	jitter := time.Duration(0)
	if cfg.JitterCap > 0 {
		jitter = rand.N(cfg.JitterCap)
	}
	if class == ClassAccessBlock {
		return cfg.BlockedDelay + jitter
	}
	backoff := float64(cfg.BaseDelay) * math.Pow(backoffFactor, float64(attempt))
	return time.Duration(backoff) + jitter
}

// emitThrottle reports one retryable failure to the sink. Sink errors
// are discarded: telemetry must never fail a fetch.
func emitThrottle(sink StepSink, url string, err error, attempt int, class Class, delay time.Duration, phaseCtx string) {
	if sink == nil {
		return
	}

	data := map[string]any{
		"url":      url,
		"status":   statusOf(err),
		"attempt":  attempt,
		"blocked":  class == ClassAccessBlock,
		"delay_ms": float64(delay) / float64(time.Millisecond),
	}
	if phaseCtx != "" {
		data["phase"] = phaseCtx
	} else {
		data["phase"] = nil
	}
	_ = sink.LogStep("network_throttle", data)
}

// statusOf extracts the HTTP status from a classified error, or nil for
// transport-level failures that never got a response.
func statusOf(err error) any {
	switch e := err.(type) {
	case *ThrottleError:
		return e.Status
	case *BlockedError:
		return e.Status
	case *BodyError:
		return e.Status
	default:
		return nil
	}
}

// exhausted shapes the terminal error after the retry budget is spent.
func exhausted(url string, lastErr error, tolerateBlocked bool) error {
	if lastErr == nil {
		return fmt.Errorf("fetch %s: retry budget exhausted", url)
	}
	var blocked *BlockedError
	if errors.As(lastErr, &blocked) && tolerateBlocked {
		return blocked
	}
	return fmt.Errorf("fetch %s: retries exhausted: %w", url, lastErr)
}
