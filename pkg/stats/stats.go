// Package stats keeps a windowed running summary of signed samples, used by
// the collector to report one-way delay. Accumulators are big.Int so the
// squared sums of nanosecond-scale durations cannot overflow.
package stats

import (
	"math/big"

	"github.com/ddirect/container/fifo"
	"golang.org/x/exp/constraints"
)

type Window[T constraints.Signed] struct {
	sum        big.Int
	sum2       big.Int
	t1         big.Int
	t2         big.Int
	t3         big.Int
	samples    fifo.Fifo[T]
	maxSamples int
	maxSpread  float64
	mean       T
	stdDev     T
	min        T
	max        T
	total      int
}

// New creates a window holding at most maxSamples samples. Once full, a new
// sample is admitted only if it lies within maxSpread standard deviations of
// the window mean, evicting the oldest; maxSpread <= 0 disables the filter.
func New[T constraints.Signed](maxSamples int, maxSpread float64) *Window[T] {
	return &Window[T]{
		maxSamples: maxSamples,
		maxSpread:  maxSpread,
	}
}

// Add offers a sample; it reports whether the sample entered the window.
// Min/Max track every offered sample, admitted or not, so implausible delay
// values stay visible in the summary instead of being filtered away.
func (w *Window[T]) Add(x T) bool {
	if w.total == 0 || x < w.min {
		w.min = x
	}
	if w.total == 0 || x > w.max {
		w.max = x
	}
	w.total++

	admit := true
	if w.Count() >= w.maxSamples {
		if w.maxSpread > 0 {
			spread := T(float64(w.stdDev) * w.maxSpread)
			admit = x >= w.mean-spread && x <= w.mean+spread
		}
		if admit {
			w.evict()
		}
	}

	if admit {
		t := w.t1.SetInt64(int64(x))
		w.sum.Add(&w.sum, t)
		w.sum2.Add(&w.sum2, t.Mul(t, t))
		w.samples.Enqueue(x)
		w.mean = w.getMean()
		w.stdDev = w.getStdDev()
	}
	return admit
}

func (w *Window[T]) evict() {
	if x, ok := w.samples.Dequeue(); ok {
		t := w.t1.SetInt64(int64(x))
		w.sum.Sub(&w.sum, t)
		w.sum2.Sub(&w.sum2, t.Mul(t, t))
	}
}

func (w *Window[T]) getMean() T {
	n := w.Count()
	if n < 1 {
		return 0
	}
	return T(w.t2.Div(&w.sum, w.t1.SetUint64(uint64(n))).Int64())
}

func (w *Window[T]) getStdDev() T {
	n := uint64(w.Count())
	if n < 2 {
		return 0
	}
	// Sqrt((n*sum2 - sum*sum) / (n*(n-1)))
	t1 := &w.t1
	t2 := &w.t2
	t3 := &w.t3

	t1.SetUint64(n)
	t2.Sub(t2.Mul(t1, &w.sum2), t3.Mul(&w.sum, &w.sum))
	t3.Mul(t1, t3.SetUint64(n-1))

	return T(t2.Div(t2, t3).Sqrt(t2).Uint64())
}

// Count is the number of samples currently in the window.
func (w *Window[T]) Count() int {
	return w.samples.Len()
}

// Total is the number of samples ever offered.
func (w *Window[T]) Total() int {
	return w.total
}

func (w *Window[T]) Mean() T {
	return w.mean
}

func (w *Window[T]) StdDev() T {
	return w.stdDev
}

func (w *Window[T]) Min() T {
	return w.min
}

func (w *Window[T]) Max() T {
	return w.max
}
