package bandit

import "sort"

// window is a bounded FIFO of float64 samples. Not goroutine-safe; callers
// hold the owning arm's or optimizer's lock.
type window struct {
	cap  int
	vals []float64
}

func newWindow(capacity int) *window {
	if capacity < 1 {
		capacity = 1
	}
	return &window{cap: capacity}
}

func (w *window) push(v float64) {
	w.vals = append(w.vals, v)
	if len(w.vals) > w.cap {
		w.vals = w.vals[len(w.vals)-w.cap:]
	}
}

func (w *window) values() []float64 {
	return w.vals
}

// resize shrinks or grows the bound, keeping the newest samples.
func (w *window) resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	w.cap = capacity
	if len(w.vals) > capacity {
		w.vals = w.vals[len(w.vals)-capacity:]
	}
}

func (w *window) mean() float64 {
	if len(w.vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.vals {
		sum += v
	}
	return sum / float64(len(w.vals))
}

// percentile interpolates between the two nearest ranks.
func (w *window) percentile(p float64) float64 {
	if len(w.vals) == 0 {
		return 0
	}
	sorted := append([]float64{}, w.vals...)
	sort.Float64s(sorted)

	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
