// Package budget derives the per-session timing schedule from the requested
// communication duration. Budgets are computed once at session start and
// never change.
package budget

import "fmt"

type Mode uint8

const (
	ModeSender Mode = iota
	ModeReceiver
)

func (m Mode) String() string {
	switch m {
	case ModeSender:
		return "sender"
	case ModeReceiver:
		return "receiver"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

const (
	// minimum receive-side buffer; below this, start-time skew between the
	// two nodes dominates
	minBufferSeconds = 60
	bufferFraction   = 0.2

	// fixed margin added to every auxiliary recorder so it outlives the
	// transport regardless of process-start skew
	recorderMarginSeconds = 120

	prepWithSync    = 60
	prepWithoutSync = 20
)

type Budget struct {
	ActiveSeconds      int
	BufferSeconds      int
	PreparationSeconds int
	TotalSeconds       int
	RecorderSeconds    int
}

// Compute maps the requested active duration to the full schedule for the
// given mode. Only the receiving side gets a buffer: it must outlive the
// sender to catch in-flight packets near the deadline.
func Compute(mode Mode, activeSeconds int, syncEnabled bool) (Budget, error) {
	if activeSeconds <= 0 {
		return Budget{}, fmt.Errorf("active duration must be positive, got %d", activeSeconds)
	}

	b := Budget{
		ActiveSeconds:      activeSeconds,
		PreparationSeconds: prepWithoutSync,
	}
	if syncEnabled {
		b.PreparationSeconds = prepWithSync
	}

	if mode == ModeReceiver {
		b.BufferSeconds = minBufferSeconds
		if frac := int(float64(activeSeconds) * bufferFraction); frac > b.BufferSeconds {
			b.BufferSeconds = frac
		}
	}

	b.TotalSeconds = b.PreparationSeconds + b.ActiveSeconds + b.BufferSeconds
	b.RecorderSeconds = b.ActiveSeconds + b.BufferSeconds + recorderMarginSeconds
	return b, nil
}
