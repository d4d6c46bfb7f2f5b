// Package probe implements the two halves of the latency measurement
// protocol: a fixed-rate emitter of timestamped datagrams and a passive
// collector that records everything it receives. Loss is never computed
// here; it is a property of the sequence gaps in the persisted logs.
package probe

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// Conn is the datagram transport a probe owns for its lifetime.
// *socket.UDPConn satisfies it; tests substitute an in-memory pair.
type Conn interface {
	Send(buf []byte) error
	RecvFrom(buf []byte) (int, unix.Sockaddr, error)
	Close() error
}

// sleep waits for d, clamped so it never runs past deadline, and reports
// false when ctx is cancelled first. Every suspension in the probe loops
// goes through here so the session deadline is always honored.
func sleep(ctx context.Context, d time.Duration, deadline time.Time) bool {
	if remain := time.Until(deadline); d > remain {
		d = remain
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
