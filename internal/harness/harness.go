// Package harness orchestrates a full load-and-verify run: seed, dispatch,
// quota verification, convergence, cleanup, verdict.
package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/webhookscc/hookload/internal/cache"
	"github.com/webhookscc/hookload/internal/config"
	"github.com/webhookscc/hookload/internal/convergence"
	"github.com/webhookscc/hookload/internal/observability"
	"github.com/webhookscc/hookload/internal/receiver"
	"github.com/webhookscc/hookload/internal/results"
	"github.com/webhookscc/hookload/internal/store"
	"github.com/webhookscc/hookload/internal/workload"
)

// ErrVerificationFailed means the run completed but quota enforcement or
// delivery verification did not pass.
var ErrVerificationFailed = errors.New("verification failed")

const usageSampleSize = 20

// Harness owns the external collaborators for one run.
type Harness struct {
	cfg      config.Run
	receiver *receiver.Client
	cache    *cache.Client
	store    *store.Client
	runID    string
}

func New(cfg config.Run) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Harness{
		cfg:      cfg,
		receiver: receiver.New(cfg.ReceiverURL, cfg.RequestTimeout),
		cache:    cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB),
		store:    store.New(cfg.StoreURL),
		runID:    uuid.NewString(),
	}, nil
}

// Run executes every phase. Setup failures abort immediately; a failed
// verification returns ErrVerificationFailed after cleanup.
func (h *Harness) Run(ctx context.Context) error {
	defer h.cache.Close()

	fmt.Println(strings.Repeat("=", 70))
	fmt.Println("  WEBHOOK RECEIVER LOAD TEST")
	fmt.Printf("  %d users x %d endpoints x %d requests = %d total requests\n",
		h.cfg.Users, h.cfg.EndpointsPerUser, h.cfg.RequestsPerEndpoint, h.cfg.TotalRequests())
	fmt.Printf("  quota: %d per user (shared across %d endpoints), overrun tolerance: %d\n",
		h.cfg.RequestLimit, h.cfg.EndpointsPerUser, h.cfg.OverrunTolerance)
	fmt.Printf("  run id: %s\n", h.runID)
	fmt.Println(strings.Repeat("=", 70))

	if err := h.receiver.Health(ctx); err != nil {
		return fmt.Errorf("cannot reach receiver at %s: %w", h.cfg.ReceiverURL, err)
	}
	if err := h.cache.Ping(ctx); err != nil {
		return fmt.Errorf("cannot reach cache at %s: %w", h.cfg.RedisAddr, err)
	}

	h.banner("PHASE 0: Cleaning cache")
	if err := h.cache.FlushAll(ctx); err != nil {
		return fmt.Errorf("flush cache: %w", err)
	}

	users, err := h.seed(ctx)
	if err != nil {
		return err
	}

	h.seedCache(ctx, users)

	slugToUser := make(map[string]int)
	var slugs []string
	for idx, u := range users {
		for _, slug := range u.Slugs {
			slugToUser[slug] = idx
			slugs = append(slugs, slug)
		}
	}

	agg, elapsed := h.dispatch(ctx, slugs, slugToUser)
	summary := agg.Summary(elapsed)

	quota := h.verifyQuota(ctx, agg, len(users))
	delivery := h.verifyDelivery(ctx, agg, users)

	if !h.cfg.SkipCleanup {
		if err := h.Cleanup(ctx); err != nil {
			return err
		}
	}

	h.printVerdict(summary, quota, delivery)
	if !quota.Pass() || !delivery.Passed {
		return ErrVerificationFailed
	}
	return nil
}

func (h *Harness) seed(ctx context.Context) ([]store.SeededUser, error) {
	ctx, end := observability.StartPhase(ctx, "seed")
	defer end()

	if h.cfg.SkipSeed {
		h.banner("PHASE 1: Loading existing test data (read-only)")
		users, err := h.store.ListExisting(ctx)
		if err != nil {
			return nil, err
		}
		if len(users) == 0 {
			return nil, fmt.Errorf("no existing test data; run without --skip-seed first")
		}
		fmt.Printf("  loaded %d users\n", len(users))
		return users, nil
	}

	h.banner("PHASE 1: Seeding test data in durable store")
	fmt.Printf("  creating %d users with %d endpoints each, limit %d requests/user\n",
		h.cfg.Users, h.cfg.EndpointsPerUser, h.cfg.RequestLimit)
	fmt.Println("  (seed also resets usage counters to 0 for all test users)")

	start := time.Now()
	users, err := h.store.Seed(ctx, h.cfg.Users, h.cfg.EndpointsPerUser, h.cfg.RequestLimit)
	if err != nil {
		return nil, err
	}
	endpoints := 0
	for _, u := range users {
		endpoints += len(u.Slugs)
	}
	fmt.Printf("  created %d users, %d endpoints in %.1fs\n",
		len(users), endpoints, time.Since(start).Seconds())
	return users, nil
}

func (h *Harness) seedCache(ctx context.Context, users []store.SeededUser) {
	ctx, end := observability.StartPhase(ctx, "seed-cache")
	defer end()

	h.banner("PHASE 2: Seeding cache")
	start := time.Now()

	records := make(map[string]cache.EndpointRecord)
	quotas := make([]cache.QuotaRecord, 0, len(users))
	for _, u := range users {
		for i, slug := range u.Slugs {
			rec := cache.EndpointRecord{UserID: u.UserID}
			if i < len(u.EndpointIDs) {
				rec.EndpointID = u.EndpointIDs[i]
			}
			records[slug] = rec
		}
		quotas = append(quotas, cache.QuotaRecord{UserID: u.UserID, Limit: h.cfg.RequestLimit})
	}

	endpoints, seededUsers := h.cache.SeedEndpoints(ctx, records, quotas)
	fmt.Printf("  seeded %d endpoint caches + %d user quota entries in %.1fs\n",
		endpoints, seededUsers, time.Since(start).Seconds())
}

func (h *Harness) dispatch(ctx context.Context, slugs []string, slugToUser map[string]int) (*results.Aggregator, time.Duration) {
	ctx, end := observability.StartPhase(ctx, "dispatch")
	defer end()

	h.banner("PHASE 3: Load test")
	fmt.Printf("  endpoints: %d, requests per endpoint: %d, total: %d, concurrency: %d\n",
		len(slugs), h.cfg.RequestsPerEndpoint, len(slugs)*h.cfg.RequestsPerEndpoint, h.cfg.Concurrency)

	sequence := workload.Sequence(slugs, h.cfg.RequestsPerEndpoint)
	agg := results.NewAggregator(slugToUser)
	outcomes := make(chan workload.Outcome, h.cfg.Concurrency)
	go agg.Run(outcomes)

	dispatcher := workload.NewDispatcher(h.cfg, h.receiver, h.runID)
	elapsed := dispatcher.Run(ctx, sequence, outcomes)
	agg.Wait()

	s := agg.Summary(elapsed)
	fmt.Println("\n  --- Results ---")
	fmt.Printf("  total time:    %.2fs\n", s.Elapsed.Seconds())
	fmt.Printf("  throughput:    %.0f RPS\n", s.RPS)
	fmt.Printf("  accepted:      %d\n", s.Accepted)
	fmt.Printf("  rejected:      %d\n", s.Rejected)
	fmt.Printf("  errors:        %d\n", s.Errored)
	fmt.Printf("  p50 latency:   %s\n", s.P50.Round(10*time.Microsecond))
	fmt.Printf("  p99 latency:   %s\n", s.P99.Round(10*time.Microsecond))
	fmt.Printf("  p99.9 latency: %s\n", s.P999.Round(10*time.Microsecond))

	return agg, elapsed
}

// verifyQuota checks every seeded user. population is the size of the list
// the store actually returned, which can differ from the requested count;
// sizing the check from the flags instead would exempt any user past the
// requested index.
func (h *Harness) verifyQuota(ctx context.Context, agg *results.Aggregator, population int) results.QuotaReport {
	_, end := observability.StartPhase(ctx, "verify-quota")
	defer end()

	h.banner("PHASE 4: Verifying quota enforcement")
	report := results.VerifyQuota(agg.UserTotals(), population, h.cfg.RequestLimit, h.cfg.OverrunTolerance)

	fmt.Printf("  users within quota (accepted <= %d + %d): %d\n",
		h.cfg.RequestLimit, h.cfg.OverrunTolerance, report.Within)
	fmt.Printf("  users under quota: %d\n", report.Under)
	fmt.Printf("  users over quota (overrun > %d): %d\n", h.cfg.OverrunTolerance, report.Over)
	fmt.Printf("  worst overrun: %d requests\n", report.WorstOverrun)

	if len(report.Violations) > 0 {
		fmt.Printf("\n  FAILED users (overrun > %d):\n", h.cfg.OverrunTolerance)
		for i, v := range report.Violations {
			if i >= 10 {
				fmt.Printf("    ... and %d more\n", len(report.Violations)-10)
				break
			}
			fmt.Printf("    user %d: accepted=%d, overrun=%d\n", v.UserIdx, v.Accepted, v.Overrun)
		}
	}

	d := report.Distribution
	fmt.Println("\n  overrun distribution:")
	fmt.Printf("    min: %d  p50: %d  p90: %d  p99: %d  max: %d\n", d.Min, d.P50, d.P90, d.P99, d.Max)
	fmt.Printf("\n  quota enforcement: %s\n", passFail(report.Pass()))
	return report
}

func (h *Harness) verifyDelivery(ctx context.Context, agg *results.Aggregator, users []store.SeededUser) convergence.DeliveryReport {
	ctx, end := observability.StartPhase(ctx, "verify-delivery")
	defer end()

	h.banner("PHASE 5: Verifying delivery to durable store")

	cfg := convergence.DefaultConfig()
	cfg.MaxWait = h.cfg.FlushWait
	poller := convergence.New(h.cache, h.store, cfg)

	accepted := agg.AcceptedBySlug()
	total := 0
	for _, n := range accepted {
		total += n
	}
	fmt.Printf("  waiting for flush workers to deliver %d requests (max wait %s)...\n", total, cfg.MaxWait)
	poller.WaitForDrain(ctx)

	sample := convergence.NewSample(accepted, cfg.SampleSize, nil)
	fmt.Printf("\n  waiting for in-flight flushes to land...\n")
	fmt.Printf("  (polling %d sampled endpoints, expecting ~%d requests)\n",
		len(sample.Slugs), sample.ExpectedTotal)
	stab := poller.Stabilize(ctx, sample)
	fmt.Printf("  stabilization: %s after %.0fs\n", stab.Reason, stab.Elapsed.Seconds())

	poller.Settle(ctx)

	fmt.Printf("\n  final verification for %d sampled endpoints...\n", len(sample.Slugs))
	report := poller.VerifyDelivery(ctx, sample)
	fmt.Printf("  expected total (sampled): %d\n", report.Expected)
	fmt.Printf("  persisted total (sampled): %d\n", report.Verified)
	fmt.Printf("  mismatches (>%d diff): %d\n", cfg.MismatchTolerance, len(report.Mismatches))
	for i, m := range report.Mismatches {
		if i >= 10 {
			fmt.Printf("    ... and %d more\n", len(report.Mismatches)-10)
			break
		}
		fmt.Printf("    %s: expected=%d, actual=%d, diff=%d\n", m.Slug, m.Expected, m.Actual, m.Actual-m.Expected)
	}
	fmt.Printf("\n  delivery rate: %.1f%%\n", report.Rate)
	fmt.Printf("  delivery check: %s\n", passFail(report.Passed))

	h.checkUsage(ctx, poller, users)
	return report
}

// checkUsage spot-checks persisted usage counters for a sample of users.
// Diagnostic only; excessive counters are reported but do not flip the
// verdict on their own.
func (h *Harness) checkUsage(ctx context.Context, poller *convergence.Poller, users []store.SeededUser) {
	n := min(usageSampleSize, len(users))
	emails := make([]string, 0, n)
	for _, u := range users[:n] {
		emails = append(emails, u.Email)
	}

	fmt.Printf("\n  checking persisted usage for %d sampled users...\n", len(emails))
	report, err := poller.VerifyUsage(ctx, emails, h.cfg.OverrunTolerance)
	if err != nil {
		fmt.Printf("  WARNING: usage verification failed: %v\n", err)
		return
	}
	if len(report.Issues) == 0 {
		fmt.Printf("  all %d sampled users have reasonable usage counters\n", report.Checked)
		return
	}
	for _, issue := range report.Issues {
		fmt.Printf("  WARN: %s: used=%d, limit=%d\n", issue.Email, issue.Used, issue.Limit)
	}
	fmt.Printf("  %d users have excessive usage counters\n", len(report.Issues))
}

// Cleanup flushes the cache and deletes all seeded records from the
// durable store.
func (h *Harness) Cleanup(ctx context.Context) error {
	ctx, end := observability.StartPhase(ctx, "cleanup")
	defer end()

	h.banner("PHASE 6: Cleanup")
	fmt.Println("  flushing cache...")
	if err := h.cache.FlushAll(ctx); err != nil {
		return fmt.Errorf("flush cache: %w", err)
	}

	fmt.Println("  cleaning up durable store test data (this may take a few minutes)...")
	result, err := h.store.Cleanup(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("  deleted %d requests, %d entities\n", result.RequestsDeleted, result.EntitiesDeleted)
	return nil
}

// CleanupOnly is the standalone cleanup mode: it builds no workload and
// only tears down seeded state.
func (h *Harness) CleanupOnly(ctx context.Context) error {
	defer h.cache.Close()
	if err := h.cache.Ping(ctx); err != nil {
		return fmt.Errorf("cannot reach cache at %s: %w", h.cfg.RedisAddr, err)
	}
	return h.Cleanup(ctx)
}

func (h *Harness) printVerdict(s results.Summary, quota results.QuotaReport, delivery convergence.DeliveryReport) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	fmt.Println("  FINAL RESULTS")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("  total requests sent:  %d\n", s.Total)
	fmt.Printf("  accepted (200):       %d\n", s.Accepted)
	fmt.Printf("  rejected (429):       %d\n", s.Rejected)
	fmt.Printf("  errors:               %d\n", s.Errored)
	fmt.Printf("  quota enforcement:    %s\n", passFail(quota.Pass()))
	fmt.Printf("  delivery:             %s\n", passFail(delivery.Passed))
	fmt.Printf("  p50 latency:          %s\n", s.P50.Round(10*time.Microsecond))
	fmt.Printf("  p99 latency:          %s\n", s.P99.Round(10*time.Microsecond))
	fmt.Println(strings.Repeat("=", 70))
	if quota.Pass() && delivery.Passed {
		fmt.Println("\n  OVERALL: PASS")
	} else {
		fmt.Println("\n  OVERALL: FAIL")
	}
}

func (h *Harness) banner(title string) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", 70))
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}
