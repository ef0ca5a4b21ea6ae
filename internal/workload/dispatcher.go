package workload

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/webhookscc/hookload/internal/config"
	"github.com/webhookscc/hookload/internal/receiver"
)

// Outcome is the result of one dispatched request. Outcomes arrive in
// completion order, not submission order.
type Outcome struct {
	Slug    string
	Class   receiver.Class
	Latency time.Duration
}

// Dispatcher executes a work sequence against the receiver under bounded
// concurrency. At most cfg.Concurrency requests are in flight at any time;
// excess items queue until a worker slot frees.
type Dispatcher struct {
	cfg     config.Run
	client  *receiver.Client
	limiter *rate.Limiter
	runID   string
}

func NewDispatcher(cfg config.Run, client *receiver.Client, runID string) *Dispatcher {
	d := &Dispatcher{cfg: cfg, client: client, runID: runID}
	if cfg.MaxRPS > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), cfg.Concurrency)
	}
	return d
}

// Run dispatches every item in sequence and streams outcomes to out,
// closing it when the pool drains. Per-request failures and timeouts are
// classified as errored outcomes, never fatal. Returns elapsed wall time.
func (d *Dispatcher) Run(ctx context.Context, sequence []string, out chan<- Outcome) time.Duration {
	total := len(sequence)
	work := make(chan string)
	var completed atomic.Int64
	var wg sync.WaitGroup

	start := time.Now()

	progressDone := make(chan struct{})
	go d.reportProgress(start, total, &completed, progressDone)

	for range d.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for slug := range work {
				if d.limiter != nil {
					// Wait fails fast once ctx is cancelled; sending anyway
					// would bypass the rate ceiling.
					if err := d.limiter.Wait(ctx); err != nil {
						out <- Outcome{Slug: slug, Class: receiver.Errored}
						completed.Add(1)
						continue
					}
				}
				reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
				class, lat := d.client.Send(reqCtx, slug, d.payload())
				cancel()
				out <- Outcome{Slug: slug, Class: class, Latency: lat}
				completed.Add(1)
			}
		}()
	}

	for _, slug := range sequence {
		work <- slug
	}
	close(work)
	wg.Wait()
	close(progressDone)
	close(out)

	return time.Since(start)
}

func (d *Dispatcher) payload() []byte {
	return fmt.Appendf(nil, `{"event":"load_test","run":%q,"ts":%d}`, d.runID, time.Now().UnixMilli())
}

// reportProgress prints elapsed count and instantaneous throughput on a
// coarse interval. Observational only.
func (d *Dispatcher) reportProgress(start time.Time, total int, completed *atomic.Int64, done <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n := completed.Load()
			elapsed := time.Since(start).Seconds()
			if elapsed <= 0 {
				continue
			}
			pct := float64(n) / float64(total) * 100
			fmt.Printf("    [%5.1f%%] %d/%d sent @ %.0f RPS\n", pct, n, total, float64(n)/elapsed)
		}
	}
}
