package registry

import "sync"

// ringSize is K from spec §4.4: the rolling performance window kept per
// provider session.
const ringSize = 10

// Sample is one performance observation recorded after a completed or
// failed forward (spec §4.5 step 9).
type Sample struct {
	TokensPerSecond float64
	DurationSeconds float64
	Success         bool
}

// perfRing is a fixed-capacity ring buffer of Samples, the standalone
// bookkeeping struct the teacher's worker/stream.go keeps separate from
// its owning connection so it can be unit-tested without a live socket.
type perfRing struct {
	mu      sync.Mutex
	samples [ringSize]Sample
	count   int
	next    int
}

// push records sample, evicting the oldest entry once the ring is full.
func (r *perfRing) push(sample Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = sample
	r.next = (r.next + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}
}

// tpsEWMA returns the mean tokens/sec over the ring's successful samples,
// or 0 if there are none — the tps_ewma term in the scoring formula
// (spec §4.5 step 5). Despite the name it is a plain mean over the window,
// not an exponential average; the naming follows the spec's own term.
func (r *perfRing) tpsEWMA() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meanTPSLocked()
}

func (r *perfRing) meanTPSLocked() float64 {
	var sum float64
	var n int
	for i := 0; i < r.count; i++ {
		s := r.samples[i]
		if s.Success {
			sum += s.TokensPerSecond
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ringStats is the catalog-facing summary of a performance ring, for
// /v1/models' per-provider performance block (spec §6).
type ringStats struct {
	totalRequests int
	successCount  int
	avgTPS        float64
	maxTPS        float64
}

func (r *perfRing) stats() ringStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var max float64
	var successCount int
	for i := 0; i < r.count; i++ {
		s := r.samples[i]
		if s.Success {
			successCount++
			if s.TokensPerSecond > max {
				max = s.TokensPerSecond
			}
		}
	}
	return ringStats{
		totalRequests: r.count,
		successCount:  successCount,
		avgTPS:        r.meanTPSLocked(),
		maxTPS:        max,
	}
}
