// Package convergence decides when the eventually-consistent durable store
// has caught up with accepted traffic, then performs final delivery
// verification over a fixed random sample.
package convergence

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/webhookscc/hookload/internal/cache"
	"github.com/webhookscc/hookload/internal/store"
)

// DrainSource reports the state of the receiver's delivery-buffer registry.
type DrainSource interface {
	DrainStats(ctx context.Context) (cache.DrainStats, error)
}

// Verifier queries persisted counts from the durable store.
type Verifier interface {
	VerifyBatch(ctx context.Context, slugs []string) (map[string]store.EndpointCount, error)
	VerifyUsage(ctx context.Context, emails []string) (map[string]store.UserUsage, error)
}

// Config holds the convergence heuristics. The sample size, stabilization
// window, and mismatch tolerance are tunable constants, not derived
// quantities.
type Config struct {
	MaxWait           time.Duration
	DrainInterval     time.Duration
	PollInterval      time.Duration
	StableTicks       int
	SampleSize        int
	BatchSize         int
	SettlePause       time.Duration
	MismatchTolerance int
	DeliveryThreshold float64
}

func DefaultConfig() Config {
	return Config{
		MaxWait:           120 * time.Second,
		DrainInterval:     time.Second,
		PollInterval:      5 * time.Second,
		StableTicks:       3,
		SampleSize:        50,
		BatchSize:         25,
		SettlePause:       5 * time.Second,
		MismatchTolerance: 5,
		DeliveryThreshold: 95.0,
	}
}

// Poller runs the two convergence phases and the final verification.
type Poller struct {
	cfg      Config
	drain    DrainSource
	verifier Verifier
}

func New(drain DrainSource, verifier Verifier, cfg Config) *Poller {
	return &Poller{cfg: cfg, drain: drain, verifier: verifier}
}

// WaitForDrain polls the buffer registry until it reports zero active
// buffers and zero pending length, or the maximum wait elapses. The timeout
// is soft: buffers empty before the downstream write completes, so a full
// drain does not itself guarantee delivery and a missed drain does not
// doom the run. Returns false on timeout.
func (p *Poller) WaitForDrain(ctx context.Context) bool {
	start := time.Now()
	deadline := start.Add(p.cfg.MaxWait)
	var last cache.DrainStats
	for tick := 0; time.Now().Before(deadline); tick++ {
		stats, err := p.drain.DrainStats(ctx)
		if err != nil {
			slog.Warn("drain stats query failed", "error", err)
		} else {
			last = stats
			if stats.Drained() {
				fmt.Printf("    all buffers drained after %s\n", time.Since(start).Round(10*time.Millisecond))
				return true
			}
		}
		if tick%10 == 0 {
			fmt.Printf("    [%s] buffered: %d, active buffers: %d\n",
				time.Since(start).Round(10*time.Millisecond), last.Pending, last.ActiveBuffers)
		}
		sleepCtx(ctx, p.cfg.DrainInterval)
	}
	slog.Warn("drain wait timed out", "max_wait", p.cfg.MaxWait,
		"pending", last.Pending, "active_buffers", last.ActiveBuffers)
	return false
}

// Sample is a bounded random subset of endpoints with their expected
// accepted counts captured at sampling time. Full-population queries per
// tick are cost-prohibitive; a fixed sample gives a cheap, representative
// convergence signal.
type Sample struct {
	Slugs         []string
	Expected      map[string]int
	ExpectedTotal int
}

// NewSample picks up to size slugs uniformly at random from the accepted
// counts. rng == nil uses the shared global source.
func NewSample(accepted map[string]int, size int, rng *rand.Rand) Sample {
	slugs := make([]string, 0, len(accepted))
	for slug := range accepted {
		slugs = append(slugs, slug)
	}
	// Map order is already random, but shuffle so the choice does not
	// depend on runtime iteration behavior.
	slices.Sort(slugs)
	swap := func(i, j int) { slugs[i], slugs[j] = slugs[j], slugs[i] }
	if rng != nil {
		rng.Shuffle(len(slugs), swap)
	} else {
		rand.Shuffle(len(slugs), swap)
	}
	if size > 0 && len(slugs) > size {
		slugs = slugs[:size]
	}

	s := Sample{Slugs: slugs, Expected: make(map[string]int, len(slugs))}
	for _, slug := range slugs {
		s.Expected[slug] = accepted[slug]
		s.ExpectedTotal += accepted[slug]
	}
	return s
}

// StopReason records why stabilization polling ended.
type StopReason int

const (
	// Delivered means the sampled persisted total reached the expected
	// total.
	Delivered StopReason = iota
	// Stable means the sampled total was unchanged across the configured
	// number of consecutive polls: no more in-flight writes.
	Stable
	// Timeout means the maximum poll duration elapsed. Soft; final
	// verification still runs and the delivery threshold arbitrates.
	Timeout
)

func (r StopReason) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Stable:
		return "stable"
	default:
		return "timeout"
	}
}

// StabilizeResult is the outcome of phase B.
type StabilizeResult struct {
	Reason  StopReason
	Final   int
	Elapsed time.Duration
}

// Stabilize repeatedly sums persisted counts for the sample until they
// reach the expected total, stop changing, or the maximum poll duration
// elapses. Buffer removal precedes the downstream write, so this phase is
// what actually confirms in-flight flushes have landed.
func (p *Poller) Stabilize(ctx context.Context, sample Sample) StabilizeResult {
	start := time.Now()
	prev := -1
	stable := 0
	maxTicks := int(p.cfg.MaxWait / p.cfg.PollInterval)
	if maxTicks < 1 {
		maxTicks = 1
	}

	for tick := 0; tick < maxTicks; tick++ {
		sleepCtx(ctx, p.cfg.PollInterval)

		current, err := p.sampledTotal(ctx, sample.Slugs)
		if err != nil {
			slog.Warn("stabilization poll failed", "error", err)
			continue
		}

		pct := 0.0
		if sample.ExpectedTotal > 0 {
			pct = float64(current) / float64(sample.ExpectedTotal) * 100
		}
		fmt.Printf("    [%ds] store has %d/%d (%.1f%%)\n",
			tick*int(p.cfg.PollInterval.Seconds()), current, sample.ExpectedTotal, pct)

		if current == prev {
			stable++
		} else {
			stable = 0
		}
		prev = current

		if stable >= p.cfg.StableTicks {
			fmt.Printf("    counts stabilized after %ds\n", (tick+1)*int(p.cfg.PollInterval.Seconds()))
			return StabilizeResult{Reason: Stable, Final: current, Elapsed: time.Since(start)}
		}
		if current >= sample.ExpectedTotal {
			fmt.Println("    all expected requests delivered")
			return StabilizeResult{Reason: Delivered, Final: current, Elapsed: time.Since(start)}
		}
	}

	slog.Warn("stabilization polling timed out", "max_wait", p.cfg.MaxWait, "final", prev)
	final := prev
	if final < 0 {
		final = 0
	}
	return StabilizeResult{Reason: Timeout, Final: final, Elapsed: time.Since(start)}
}

func (p *Poller) sampledTotal(ctx context.Context, slugs []string) (int, error) {
	total := 0
	for batch := range slices.Chunk(slugs, p.cfg.BatchSize) {
		counts, err := p.verifier.VerifyBatch(ctx, batch)
		if err != nil {
			return 0, err
		}
		for _, slug := range batch {
			total += counts[slug].RequestCount
		}
	}
	return total, nil
}

// Mismatch is one sampled endpoint whose persisted count diverged from the
// expected accepted count beyond the tolerance.
type Mismatch struct {
	Slug     string
	Expected int
	Actual   int
}

// DeliveryReport is the final delivery verification over the sample.
type DeliveryReport struct {
	Sampled    int
	Expected   int
	Verified   int
	Mismatches []Mismatch
	Rate       float64
	Passed     bool
}

// VerifyDelivery re-queries the sample and compares persisted against
// expected per endpoint. Delivery rate is verified/expected x 100; the run
// passes when it exceeds the configured threshold.
func (p *Poller) VerifyDelivery(ctx context.Context, sample Sample) DeliveryReport {
	report := DeliveryReport{Sampled: len(sample.Slugs)}

	for batch := range slices.Chunk(sample.Slugs, p.cfg.BatchSize) {
		counts, err := p.verifier.VerifyBatch(ctx, batch)
		if err != nil {
			slog.Warn("delivery verification batch failed", "error", err)
			continue
		}
		for _, slug := range batch {
			actual := counts[slug].RequestCount
			expected := sample.Expected[slug]
			report.Verified += actual
			report.Expected += expected
			if diff := actual - expected; diff > p.cfg.MismatchTolerance || diff < -p.cfg.MismatchTolerance {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Slug:     slug,
					Expected: expected,
					Actual:   actual,
				})
			}
		}
	}

	if report.Expected > 0 {
		report.Rate = float64(report.Verified) / float64(report.Expected) * 100
	}
	report.Passed = report.Rate > p.cfg.DeliveryThreshold
	return report
}

// UsageIssue is one user whose persisted usage counter exceeded
// limit + tolerance.
type UsageIssue struct {
	Email string
	Used  int
	Limit int
}

// UsageReport is the persisted usage-counter spot check.
type UsageReport struct {
	Checked int
	Issues  []UsageIssue
}

// VerifyUsage checks that each sampled user's persisted usage counter does
// not exceed limit + tolerance.
func (p *Poller) VerifyUsage(ctx context.Context, emails []string, tolerance int) (UsageReport, error) {
	usage, err := p.verifier.VerifyUsage(ctx, emails)
	if err != nil {
		return UsageReport{}, err
	}
	report := UsageReport{Checked: len(emails)}
	for _, email := range emails {
		u, ok := usage[email]
		if !ok {
			continue
		}
		if u.RequestsUsed > u.RequestLimit+tolerance {
			report.Issues = append(report.Issues, UsageIssue{
				Email: email,
				Used:  u.RequestsUsed,
				Limit: u.RequestLimit,
			})
		}
	}
	return report, nil
}

// Settle pauses briefly after stabilization so the store's scheduler can
// process trailing usage-increment mutations before final verification.
func (p *Poller) Settle(ctx context.Context) {
	sleepCtx(ctx, p.cfg.SettlePause)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
