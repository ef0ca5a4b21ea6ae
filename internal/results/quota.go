package results

import "slices"

// UserOverrun identifies one user whose accepted count exceeded the limit
// by more than the tolerance.
type UserOverrun struct {
	UserIdx  int
	Accepted int
	Overrun  int
}

// OverrunDistribution summarizes per-user overruns (accepted - limit)
// across the whole population, including negative values for users that
// never reached the limit.
type OverrunDistribution struct {
	Min int
	P50 int
	P90 int
	P99 int
	Max int
}

// QuotaReport is the outcome of quota-enforcement verification.
type QuotaReport struct {
	Within       int
	Under        int
	Over         int
	WorstOverrun int
	Distribution OverrunDistribution
	Violations   []UserOverrun
}

// Pass is true when no user exceeded limit + tolerance. Overruns inside the
// tolerance are expected: with many requests in flight when the limit is
// reached, the receiver cannot guarantee an exact cutoff.
func (r QuotaReport) Pass() bool {
	return r.Over == 0
}

// VerifyQuota evaluates each user's accepted total against the configured
// limit and burst tolerance. Users absent from totals count as zero
// accepted.
func VerifyQuota(totals map[int]UserTotals, users, limit, tolerance int) QuotaReport {
	var report QuotaReport
	overruns := make([]int, 0, users)

	for idx := range users {
		accepted := totals[idx].Accepted
		overrun := accepted - limit
		overruns = append(overruns, overrun)

		switch {
		case overrun > tolerance:
			report.Over++
			report.Violations = append(report.Violations, UserOverrun{
				UserIdx:  idx,
				Accepted: accepted,
				Overrun:  overrun,
			})
		case overrun < 0:
			report.Under++
		default:
			report.Within++
		}
		if overrun > report.WorstOverrun {
			report.WorstOverrun = overrun
		}
	}

	if len(overruns) > 0 {
		slices.Sort(overruns)
		n := len(overruns)
		report.Distribution = OverrunDistribution{
			Min: overruns[0],
			P50: overruns[percentileIndex(n, 50)],
			P90: overruns[percentileIndex(n, 90)],
			P99: overruns[percentileIndex(n, 99)],
			Max: overruns[n-1],
		}
	}
	return report
}
