package workload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/webhookscc/hookload/internal/config"
	"github.com/webhookscc/hookload/internal/receiver"
)

func testConfig() config.Run {
	cfg := config.Default()
	cfg.Concurrency = 8
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

type classCounts struct {
	accepted int
	rejected int
	errored  int
}

func collect(t *testing.T, out <-chan Outcome) map[string]*classCounts {
	t.Helper()
	counts := map[string]*classCounts{}
	for o := range out {
		c, ok := counts[o.Slug]
		if !ok {
			c = &classCounts{}
			counts[o.Slug] = c
		}
		switch o.Class {
		case receiver.Accepted:
			c.accepted++
		case receiver.Rejected:
			c.rejected++
		default:
			c.errored++
		}
	}
	return counts
}

func TestDispatcherClassifiesAndAccountsForEveryRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/w/ok-"):
			w.WriteHeader(http.StatusOK)
		case strings.Contains(r.URL.Path, "/w/reject-"):
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	d := NewDispatcher(cfg, receiver.New(srv.URL, cfg.RequestTimeout), "test-run")

	slugs := []string{"ok-1", "ok-2", "reject-1", "boom-1"}
	const per = 30
	seq := Sequence(slugs, per)

	out := make(chan Outcome, cfg.Concurrency)
	go d.Run(context.Background(), seq, out)
	counts := collect(t, out)

	for _, slug := range slugs {
		c := counts[slug]
		if c == nil {
			t.Fatalf("no outcomes recorded for %s", slug)
		}
		if got := c.accepted + c.rejected + c.errored; got != per {
			t.Fatalf("%s: accepted+rejected+errored = %d, want %d", slug, got, per)
		}
	}
	if counts["ok-1"].accepted != per || counts["ok-2"].accepted != per {
		t.Fatalf("expected all ok-* requests accepted: %+v %+v", counts["ok-1"], counts["ok-2"])
	}
	if counts["reject-1"].rejected != per {
		t.Fatalf("reject-1 rejected = %d, want %d", counts["reject-1"].rejected, per)
	}
	if counts["boom-1"].errored != per {
		t.Fatalf("boom-1 errored = %d, want %d", counts["boom-1"].errored, per)
	}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Concurrency = 5
	d := NewDispatcher(cfg, receiver.New(srv.URL, cfg.RequestTimeout), "test-run")

	out := make(chan Outcome, cfg.Concurrency)
	go d.Run(context.Background(), Sequence([]string{"a", "b"}, 40), out)
	collect(t, out)

	if p := peak.Load(); p > int64(cfg.Concurrency) {
		t.Fatalf("peak in-flight requests = %d, want <= %d", p, cfg.Concurrency)
	}
}

func TestDispatcherTimeoutYieldsErroredOutcome(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	cfg := testConfig()
	cfg.Concurrency = 2
	cfg.RequestTimeout = 30 * time.Millisecond
	d := NewDispatcher(cfg, receiver.New(srv.URL, cfg.RequestTimeout), "test-run")

	out := make(chan Outcome, 4)
	done := make(chan time.Duration, 1)
	go func() { done <- d.Run(context.Background(), []string{"slow", "slow"}, out) }()

	counts := collect(t, out)
	elapsed := <-done

	if counts["slow"].errored != 2 {
		t.Fatalf("timed-out requests errored = %d, want 2", counts["slow"].errored)
	}
	// The hard timeout must bound drain time; generous margin for CI.
	if elapsed > 5*time.Second {
		t.Fatalf("pool drain took %s despite per-request timeout", elapsed)
	}
}

func TestDispatcherRateLimitCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Concurrency = 4
	cfg.MaxRPS = 100
	d := NewDispatcher(cfg, receiver.New(srv.URL, cfg.RequestTimeout), "test-run")

	out := make(chan Outcome, cfg.Concurrency)
	start := time.Now()
	go d.Run(context.Background(), Sequence([]string{"a"}, 20), out)
	collect(t, out)

	// 20 requests at 100 RPS with burst=4 needs roughly 160ms minimum.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("run finished in %s, rate ceiling not applied", elapsed)
	}
}

func TestDispatcherCancellationWithRateLimitDrainsAsErrored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Concurrency = 2
	cfg.MaxRPS = 1 // 50 items would take ~50s if the pool kept waiting
	d := NewDispatcher(cfg, receiver.New(srv.URL, cfg.RequestTimeout), "test-run")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Outcome, cfg.Concurrency)
	start := time.Now()
	go d.Run(ctx, Sequence([]string{"a"}, 50), out)
	counts := collect(t, out)

	if counts["a"].errored != 50 {
		t.Fatalf("errored = %d, want all 50 accounted for", counts["a"].errored)
	}
	if counts["a"].accepted != 0 {
		t.Fatalf("accepted = %d, want 0 after cancellation", counts["a"].accepted)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("pool drain took %s after cancellation", elapsed)
	}
}
