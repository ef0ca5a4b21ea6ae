package convergence

import (
	"context"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/webhookscc/hookload/internal/cache"
	"github.com/webhookscc/hookload/internal/store"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()
	fn()
	w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read captured output: %v", err)
	}
	return string(data)
}

type fakeDrain struct {
	stats []cache.DrainStats
	calls int
}

func (f *fakeDrain) DrainStats(ctx context.Context) (cache.DrainStats, error) {
	idx := f.calls
	if idx >= len(f.stats) {
		idx = len(f.stats) - 1
	}
	f.calls++
	return f.stats[idx], nil
}

// fakeVerifier reports a scripted total on each VerifyBatch call, assigned
// to the first slug in the batch.
type fakeVerifier struct {
	totals []int
	calls  int
	usage  map[string]store.UserUsage
}

func (f *fakeVerifier) VerifyBatch(ctx context.Context, slugs []string) (map[string]store.EndpointCount, error) {
	idx := f.calls
	if idx >= len(f.totals) {
		idx = len(f.totals) - 1
	}
	f.calls++
	return map[string]store.EndpointCount{
		slugs[0]: {RequestCount: f.totals[idx]},
	}, nil
}

func (f *fakeVerifier) VerifyUsage(ctx context.Context, emails []string) (map[string]store.UserUsage, error) {
	return f.usage, nil
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxWait = 100 * time.Millisecond
	cfg.DrainInterval = time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.SettlePause = 0
	return cfg
}

func sampleOf(expected int) Sample {
	return Sample{
		Slugs:         []string{"wh-sample"},
		Expected:      map[string]int{"wh-sample": expected},
		ExpectedTotal: expected,
	}
}

func TestWaitForDrainExitsOnFirstEmptyCheck(t *testing.T) {
	drain := &fakeDrain{stats: []cache.DrainStats{{}}}
	p := New(drain, &fakeVerifier{}, fastConfig())

	start := time.Now()
	if !p.WaitForDrain(context.Background()) {
		t.Fatal("expected drained=true on first check")
	}
	if drain.calls != 1 {
		t.Fatalf("drain checks = %d, want 1", drain.calls)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("drain exit was not immediate")
	}
}

func TestWaitForDrainSoftTimeout(t *testing.T) {
	drain := &fakeDrain{stats: []cache.DrainStats{{ActiveBuffers: 2, Pending: 40}}}
	cfg := fastConfig()
	cfg.MaxWait = 20 * time.Millisecond
	p := New(drain, &fakeVerifier{}, cfg)

	start := time.Now()
	if p.WaitForDrain(context.Background()) {
		t.Fatal("expected drained=false on timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("drain wait ran %s past the max wait", elapsed)
	}
}

func TestWaitForDrainReportsWallClockElapsed(t *testing.T) {
	drain := &fakeDrain{stats: []cache.DrainStats{
		{ActiveBuffers: 1, Pending: 9},
		{ActiveBuffers: 1, Pending: 4},
		{},
	}}
	cfg := fastConfig()
	cfg.DrainInterval = 20 * time.Millisecond
	p := New(drain, &fakeVerifier{}, cfg)

	var ok bool
	out := captureStdout(t, func() { ok = p.WaitForDrain(context.Background()) })
	if !ok {
		t.Fatal("expected drained=true")
	}

	const marker = "all buffers drained after "
	idx := strings.Index(out, marker)
	if idx < 0 {
		t.Fatalf("no drained line in output: %q", out)
	}
	rest := out[idx+len(marker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	elapsed, err := time.ParseDuration(rest)
	if err != nil {
		t.Fatalf("drained line elapsed %q does not parse: %v", rest, err)
	}
	// Two 20ms sleeps precede the drained check.
	if elapsed < 20*time.Millisecond || elapsed >= time.Second {
		t.Fatalf("reported elapsed = %s, want wall-clock time in [20ms, 1s)", elapsed)
	}
}

func TestStabilizeStopsOnDelivery(t *testing.T) {
	v := &fakeVerifier{totals: []int{400, 750, 1000}}
	p := New(&fakeDrain{stats: []cache.DrainStats{{}}}, v, fastConfig())

	res := p.Stabilize(context.Background(), sampleOf(1000))
	if res.Reason != Delivered {
		t.Fatalf("stop reason = %s, want delivered", res.Reason)
	}
	if res.Final != 1000 {
		t.Fatalf("final total = %d, want 1000", res.Final)
	}
	if v.calls != 3 {
		t.Fatalf("poll count = %d, want 3 (no polling past equality)", v.calls)
	}
}

func TestStabilizeStopsWhenCountsStopChanging(t *testing.T) {
	v := &fakeVerifier{totals: []int{400, 700, 700, 700, 700}}
	p := New(&fakeDrain{stats: []cache.DrainStats{{}}}, v, fastConfig())

	sample := sampleOf(1000)
	res := p.Stabilize(context.Background(), sample)
	if res.Reason != Stable {
		t.Fatalf("stop reason = %s, want stable", res.Reason)
	}
	if res.Final != 700 {
		t.Fatalf("final total = %d, want 700", res.Final)
	}
	if v.calls != 5 {
		t.Fatalf("poll count = %d, want 5 (third consecutive repeat)", v.calls)
	}

	// 700/1000 delivered: below the 95% threshold, so delivery fails.
	report := p.VerifyDelivery(context.Background(), sample)
	if report.Rate != 70 {
		t.Fatalf("delivery rate = %.1f, want 70.0", report.Rate)
	}
	if report.Passed {
		t.Fatal("delivery must fail below the threshold")
	}
}

func TestStabilizeAlwaysTerminatesWithinMaxWait(t *testing.T) {
	// Counts keep growing but never converge or stabilize.
	totals := make([]int, 1000)
	for i := range totals {
		totals[i] = i
	}
	cfg := fastConfig()
	cfg.MaxWait = 30 * time.Millisecond
	p := New(&fakeDrain{stats: []cache.DrainStats{{}}}, &fakeVerifier{totals: totals}, cfg)

	start := time.Now()
	res := p.Stabilize(context.Background(), sampleOf(1 << 30))
	if res.Reason != Timeout {
		t.Fatalf("stop reason = %s, want timeout", res.Reason)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stabilization ran %s, expected bounded by max wait", elapsed)
	}
}

func TestVerifyDeliveryMismatchTolerance(t *testing.T) {
	cfg := fastConfig()
	p := New(&fakeDrain{stats: []cache.DrainStats{{}}}, &fakeVerifier{totals: []int{95}}, cfg)

	// Expected 100, persisted 95: within tolerance 5, so no mismatch, but
	// rate 95.0 does not strictly exceed the 95% threshold.
	report := p.VerifyDelivery(context.Background(), sampleOf(100))
	if len(report.Mismatches) != 0 {
		t.Fatalf("mismatches = %d, want 0 at tolerance boundary", len(report.Mismatches))
	}
	if report.Passed {
		t.Fatal("rate must strictly exceed the threshold to pass")
	}

	p2 := New(&fakeDrain{stats: []cache.DrainStats{{}}}, &fakeVerifier{totals: []int{80}}, cfg)
	report2 := p2.VerifyDelivery(context.Background(), sampleOf(100))
	if len(report2.Mismatches) != 1 {
		t.Fatalf("mismatches = %d, want 1", len(report2.Mismatches))
	}
	if m := report2.Mismatches[0]; m.Expected != 100 || m.Actual != 80 {
		t.Fatalf("mismatch = %+v", m)
	}
}

func TestVerifyDeliveryRateWithZeroExpected(t *testing.T) {
	p := New(&fakeDrain{stats: []cache.DrainStats{{}}}, &fakeVerifier{totals: []int{0}}, fastConfig())
	report := p.VerifyDelivery(context.Background(), sampleOf(0))
	if report.Rate != 0 {
		t.Fatalf("rate = %.1f, want 0 when nothing was expected", report.Rate)
	}
	if report.Passed {
		t.Fatal("zero expected cannot pass the threshold")
	}
}

func TestVerifyUsageFlagsExcessiveCounters(t *testing.T) {
	v := &fakeVerifier{usage: map[string]store.UserUsage{
		"a@test": {RequestsUsed: 100, RequestLimit: 100},
		"b@test": {RequestsUsed: 140, RequestLimit: 100},
		"c@test": {RequestsUsed: 151, RequestLimit: 100},
	}}
	p := New(&fakeDrain{stats: []cache.DrainStats{{}}}, v, fastConfig())

	report, err := p.VerifyUsage(context.Background(), []string{"a@test", "b@test", "c@test", "missing@test"}, 50)
	if err != nil {
		t.Fatalf("VerifyUsage: %v", err)
	}
	if report.Checked != 4 {
		t.Fatalf("checked = %d, want 4", report.Checked)
	}
	if len(report.Issues) != 1 || report.Issues[0].Email != "c@test" {
		t.Fatalf("issues = %+v, want only c@test", report.Issues)
	}
}

func TestNewSampleBoundsSizeAndCapturesExpected(t *testing.T) {
	accepted := map[string]int{}
	for i := range 200 {
		accepted["wh-"+string(rune('a'+i%26))+string(rune('a'+i/26))] = i
	}
	rng := rand.New(rand.NewPCG(3, 9))
	s := NewSample(accepted, 50, rng)

	if len(s.Slugs) != 50 {
		t.Fatalf("sample size = %d, want 50", len(s.Slugs))
	}
	sum := 0
	for _, slug := range s.Slugs {
		want := accepted[slug]
		if got := s.Expected[slug]; got != want {
			t.Fatalf("expected[%s] = %d, want %d", slug, got, want)
		}
		sum += want
	}
	if s.ExpectedTotal != sum {
		t.Fatalf("expected total = %d, want %d", s.ExpectedTotal, sum)
	}

	small := NewSample(map[string]int{"only": 5}, 50, rng)
	if len(small.Slugs) != 1 || small.ExpectedTotal != 5 {
		t.Fatalf("small sample = %+v", small)
	}
}
