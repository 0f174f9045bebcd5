package execution

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// symbolBreaker trips after a run of consecutive execution failures and
// holds the symbol out until the cooldown passes. A success resets the
// streak. Callers hold the engine lock.
type symbolBreaker struct {
	failures  int
	openUntil time.Time
}

func (b *symbolBreaker) open(now time.Time) bool {
	return b.openUntil.After(now)
}

func (b *symbolBreaker) recordFailure(now time.Time, threshold int, cooldown time.Duration) bool {
	b.failures++
	if b.failures >= threshold {
		b.openUntil = now.Add(cooldown)
		b.failures = 0
		return true
	}
	return false
}

func (b *symbolBreaker) recordSuccess() {
	b.failures = 0
}

// execPattern keeps the recent execution timestamps for a symbol and flags
// it when the intervals become too regular, i.e. the coefficient of
// variation of the gaps drops below the threshold.
type execPattern struct {
	times []time.Time
}

func (p *execPattern) record(t time.Time, window int) {
	p.times = append(p.times, t)
	if len(p.times) > window {
		p.times = p.times[len(p.times)-window:]
	}
}

func (p *execPattern) tooRegular(cvThreshold float64) bool {
	if len(p.times) < 3 {
		return false
	}
	intervals := make([]float64, 0, len(p.times)-1)
	for i := 1; i < len(p.times); i++ {
		intervals = append(intervals, p.times[i].Sub(p.times[i-1]).Seconds())
	}
	mean := stat.Mean(intervals, nil)
	if mean <= 0 {
		return false
	}
	return stat.StdDev(intervals, nil)/mean < cvThreshold
}
