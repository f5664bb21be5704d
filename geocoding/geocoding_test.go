package geocoding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"report-verify-pipeline/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *NominatimClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewNominatimClient(srv.URL)
	c.limiter.SetLimit(1000)
	c.limiter.SetBurst(1000)
	return c
}

func TestResolve(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("q") != "MG Road, Bengaluru" {
			t.Errorf("q = %q", r.URL.Query().Get("q"))
		}
		if r.Header.Get("User-Agent") != UserAgent {
			t.Errorf("missing user agent")
		}
		w.Write([]byte(`[{"lat":"12.97591234567","lon":"77.6061","display_name":"MG Road"}]`))
	})

	lat, lng, err := c.Resolve(context.Background(), "MG Road, Bengaluru")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if lat != 12.9759123 || lng != 77.6061 {
		t.Errorf("got (%v, %v)", lat, lng)
	}
}

func TestResolveErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantPermanent bool
	}{
		{"server error", http.StatusBadGateway, "", false},
		{"rate limited", http.StatusTooManyRequests, "", false},
		{"bad request", http.StatusBadRequest, "bad", true},
		{"no result", http.StatusOK, "[]", true},
		{"garbage", http.StatusOK, "not json", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, _, err := c.Resolve(context.Background(), "somewhere")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := resilience.IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("permanent = %v, want %v (err %v)", got, tt.wantPermanent, err)
			}
		})
	}
}

type countingGeocoder struct {
	calls int
	err   error
}

func (g *countingGeocoder) Resolve(ctx context.Context, text string) (float64, float64, error) {
	g.calls++
	if g.err != nil {
		return 0, 0, g.err
	}
	return 1, 2, nil
}

func TestCached(t *testing.T) {
	next := &countingGeocoder{}
	c := NewCached(next, 50*time.Millisecond)

	for _, text := range []string{"Main St", "  main   st ", "MAIN ST"} {
		if lat, lng, err := c.Resolve(context.Background(), text); err != nil || lat != 1 || lng != 2 {
			t.Fatalf("Resolve(%q) = %v, %v, %v", text, lat, lng, err)
		}
	}
	if next.calls != 1 {
		t.Errorf("calls = %d, want 1", next.calls)
	}

	time.Sleep(80 * time.Millisecond)
	_, _, _ = c.Resolve(context.Background(), "main st")
	if next.calls != 2 {
		t.Errorf("expired entry not refreshed, calls = %d", next.calls)
	}

	failing := &countingGeocoder{err: errors.New("down")}
	fc := NewCached(failing, time.Hour)
	_, _, _ = fc.Resolve(context.Background(), "x")
	_, _, _ = fc.Resolve(context.Background(), "x")
	if failing.calls != 2 {
		t.Errorf("errors must not be cached, calls = %d", failing.calls)
	}
}

func TestCachedSizeCap(t *testing.T) {
	next := &countingGeocoder{}
	c := NewCached(next, time.Hour)
	c.maxEntries = 3

	for i := 0; i < 10; i++ {
		if _, _, err := c.Resolve(context.Background(), fmt.Sprintf("street %d", i)); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}

	_, _, _ = c.Resolve(context.Background(), "street 0")
	if next.calls != 10 {
		t.Errorf("cached entry missed, calls = %d", next.calls)
	}
	_, _, _ = c.Resolve(context.Background(), "street 9")
	if next.calls != 11 {
		t.Errorf("entry past the cap should not be cached, calls = %d", next.calls)
	}
}

func TestCachedSweepsExpiredEntriesAtCap(t *testing.T) {
	c := NewCached(&countingGeocoder{}, 30*time.Millisecond)
	c.maxEntries = 2

	_, _, _ = c.Resolve(context.Background(), "a")
	_, _, _ = c.Resolve(context.Background(), "b")
	time.Sleep(50 * time.Millisecond)
	_, _, _ = c.Resolve(context.Background(), "c")

	if c.Len() != 1 {
		t.Errorf("Len = %d, want only the fresh entry", c.Len())
	}
}

func TestRateLimitedLookupsDoNotOpenBreaker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`[{"lat":"12.9759","lon":"77.6061","display_name":"MG Road"}]`))
	}))
	defer srv.Close()

	// One request per second against a 500ms attempt deadline.
	c := NewNominatimClient(srv.URL)
	guard := resilience.NewGuard(resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "geocoder",
		FailureThreshold: 3,
		Window:           time.Minute,
		CoolDown:         time.Minute,
	}), resilience.RetryConfig{AttemptTimeout: 500 * time.Millisecond})

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = guard.Call(context.Background(), func(ctx context.Context) error {
				_, _, err := c.Resolve(ctx, "MG Road, Bengaluru")
				return err
			})
		}(i)
	}
	wg.Wait()

	if state := guard.Breaker().State(); state != resilience.StateClosed {
		t.Errorf("breaker = %s, want closed", state)
	}
	if n := atomic.LoadInt32(&hits); n < 1 {
		t.Errorf("server hits = %d, want at least 1", n)
	}
	for i, err := range errs {
		if err != nil && !resilience.IsThrottled(err) {
			t.Errorf("call %d: err = %v, want nil or throttled", i, err)
		}
	}
}
