package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// stubSink records throttle observations for assertions.
type stubSink struct {
	mu     sync.Mutex
	phases []string
	data   []map[string]any
}

func (s *stubSink) LogStep(phase string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, phase)
	s.data = append(s.data, data)
	return nil
}

// fastRetry keeps test backoffs in the low milliseconds with no jitter.
func fastRetry() RetryConfig {
	return RetryConfig{
		BaseDelay:    5 * time.Millisecond,
		BlockedDelay: 15 * time.Millisecond,
		JitterCap:    0,
	}
}

func intPtr(n int) *int { return &n }

func TestJSONGet_RecoversAfterThrottle(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"success":false,"error":"rate limit"}`)
			return
		}
		fmt.Fprint(w, `{"success":true,"items":[1,2,3]}`)
	}))
	defer srv.Close()

	sink := &stubSink{}
	body, err := JSONGet(t.Context(), srv.URL, Options{
		Retry:    fastRetry(),
		Sink:     sink,
		PhaseCtx: "collect",
	})
	if err != nil {
		t.Fatalf("JSONGet: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if body["success"] != true {
		t.Errorf("body success = %v, want true", body["success"])
	}

	if len(sink.data) != 2 {
		t.Fatalf("throttle events = %d, want 2", len(sink.data))
	}
	for i, d := range sink.data {
		if sink.phases[i] != "network_throttle" {
			t.Errorf("event %d phase = %q, want network_throttle", i, sink.phases[i])
		}
		if d["status"] != 429 {
			t.Errorf("event %d status = %v, want 429", i, d["status"])
		}
		if d["blocked"] != false {
			t.Errorf("event %d blocked = %v, want false", i, d["blocked"])
		}
		if d["attempt"] != i {
			t.Errorf("event %d attempt = %v, want %d", i, d["attempt"], i)
		}
		if d["phase"] != "collect" {
			t.Errorf("event %d phase ctx = %v, want collect", i, d["phase"])
		}
	}

	// Exponential backoff: delays strictly increase attempt over attempt.
	first := sink.data[0]["delay_ms"].(float64)
	second := sink.data[1]["delay_ms"].(float64)
	if second <= first {
		t.Errorf("delays not strictly increasing: %v then %v", first, second)
	}
}

func TestJSONGet_BlockedReturnsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"success":false,"error":"You have been Blocked"}`)
	}))
	defer srv.Close()

	_, err := JSONGet(t.Context(), srv.URL, Options{
		Retries:         intPtr(1),
		Retry:           fastRetry(),
		TolerateBlocked: true,
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("error %T is not *BlockedError: %v", err, err)
	}
	if blocked.Status != 403 {
		t.Errorf("Status = %d, want 403", blocked.Status)
	}

	// The bare typed error, not a wrapped one, when tolerated.
	if _, bare := err.(*BlockedError); !bare {
		t.Errorf("tolerated blocked error should be returned bare, got %T", err)
	}
}

func TestJSONGet_BlockedWrappedWhenNotTolerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"blocked by operator"}`)
	}))
	defer srv.Close()

	_, err := JSONGet(t.Context(), srv.URL, Options{
		Retries: intPtr(0),
		Retry:   fastRetry(),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, bare := err.(*BlockedError); bare {
		t.Error("untolerated blocked error should be wrapped")
	}
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Errorf("wrapped error should still resolve via errors.As, got %v", err)
	}
}

func TestJSONGet_BlockedUsesFixedCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"account blocked"}`)
	}))
	defer srv.Close()

	sink := &stubSink{}
	_, err := JSONGet(t.Context(), srv.URL, Options{
		Retries: intPtr(2),
		Retry:   fastRetry(),
		Sink:    sink,
	})
	if err == nil {
		t.Fatal("expected error")
	}

	if len(sink.data) != 2 {
		t.Fatalf("throttle events = %d, want 2", len(sink.data))
	}
	want := float64(15)
	for i, d := range sink.data {
		if d["blocked"] != true {
			t.Errorf("event %d blocked = %v, want true", i, d["blocked"])
		}
		// Fixed cooldown: same delay regardless of attempt index.
		if d["delay_ms"].(float64) != want {
			t.Errorf("event %d delay_ms = %v, want %v", i, d["delay_ms"], want)
		}
	}
}

func TestJSONGet_HardFailureNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad cursor"}`)
	}))
	defer srv.Close()

	_, err := JSONGet(t.Context(), srv.URL, Options{Retry: fastRetry()})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on hard failure)", calls)
	}
	var status *StatusError
	if !errors.As(err, &status) {
		t.Fatalf("error %T is not *StatusError", err)
	}
	if status.Status != 400 {
		t.Errorf("Status = %d, want 400", status.Status)
	}
}

func TestJSONGet_SuccessFalseIsFailure(t *testing.T) {
	// 200 with an explicit success=false flag: status classifies as
	// fatal, so no retry.
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"success":false,"error":"upstream hiccup"}`)
	}))
	defer srv.Close()

	_, err := JSONGet(t.Context(), srv.URL, Options{Retry: fastRetry()})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestJSONGet_NonJSONBodyRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, "<html>gateway error</html>")
	}))
	defer srv.Close()

	_, err := JSONGet(t.Context(), srv.URL, Options{
		Retries: intPtr(2),
		Retry:   fastRetry(),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (non-JSON bodies retry to budget)", calls)
	}
	var body *BodyError
	if !errors.As(err, &body) {
		t.Fatalf("error %T does not wrap *BodyError", err)
	}
}

func TestJSONGet_ContextCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"slow down"}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := JSONGet(ctx, srv.URL, Options{
		Retry: RetryConfig{BaseDelay: time.Second, BlockedDelay: time.Second, JitterCap: 0},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap context deadline, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		msg    string
		want   Class
	}{
		{429, "rate limit", ClassThrottle},
		{500, "oops", ClassThrottle},
		{502, "", ClassThrottle},
		{503, "", ClassThrottle},
		{504, "", ClassThrottle},
		{403, "you are Blocked", ClassAccessBlock},
		{403, "forbidden", ClassFatal},
		{400, "bad request", ClassFatal},
		{200, "success flag false", ClassFatal},
	}
	for _, tc := range cases {
		if got := Classify(tc.status, tc.msg); got != tc.want {
			t.Errorf("Classify(%d, %q) = %v, want %v", tc.status, tc.msg, got, tc.want)
		}
	}
}
