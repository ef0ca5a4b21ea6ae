// Package workload builds and executes the request schedule for a run.
package workload

import (
	"math/rand/v2"
)

// Sequence returns a flat work order containing every slug exactly
// perEndpoint times in a uniformly random permutation. Shuffling spreads
// each endpoint's requests across the whole run so concurrent cross-user
// contention resembles production traffic instead of endpoint-at-a-time
// bursts.
func Sequence(slugs []string, perEndpoint int) []string {
	return SequenceSeeded(slugs, perEndpoint, nil)
}

// SequenceSeeded is Sequence with an explicit source for deterministic
// permutations. rng == nil falls back to the shared global source.
func SequenceSeeded(slugs []string, perEndpoint int, rng *rand.Rand) []string {
	seq := make([]string, 0, len(slugs)*perEndpoint)
	for _, slug := range slugs {
		for range perEndpoint {
			seq = append(seq, slug)
		}
	}
	swap := func(i, j int) { seq[i], seq[j] = seq[j], seq[i] }
	if rng != nil {
		rng.Shuffle(len(seq), swap)
	} else {
		rand.Shuffle(len(seq), swap)
	}
	return seq
}
