package probe

import (
	"context"
	"log"
	"strconv"
	"time"

	"udplat/pkg/csvlog"
	"udplat/pkg/packet"
	"udplat/pkg/socket"
)

// EmitterLogHeader is the sender CSV schema.
var EmitterLogHeader = []string{"seq_num", "timestamp", "packet_size"}

// Emitter sends sequence-numbered, timestamped datagrams at a fixed target
// rate until its active duration elapses. The rate is a ceiling: pacing
// sleep is the send interval minus processing time, clamped at zero.
type Emitter struct {
	Conn       Conn
	Log        *csvlog.Writer
	Rate       float64 // packets per second
	PacketSize int
	Active     time.Duration
	RetryDelay time.Duration
	LogErrors  bool

	sent          int
	failures      int
	maxConsecFail int
}

// Run drives the send loop. A failed send is retried into the same sequence
// slot after RetryDelay, so gaps in the receiver's log always mean on-wire
// loss, never sender-side hiccups. Nothing but the deadline or ctx stops
// the loop.
func (e *Emitter) Run(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / e.Rate)
	deadline := time.Now().Add(e.Active)

	log.Printf("emitter: %d byte packets at %g Hz for %v", e.PacketSize, e.Rate, e.Active)

	var (
		seq    uint32 = 1
		buf           = make([]byte, 0, e.PacketSize)
		consec int
	)

	for time.Now().Before(deadline) && ctx.Err() == nil {
		slotStart := time.Now()

		ts := packet.Now()
		buf = packet.Append(buf, packet.Header{Seq: seq, SendTime: ts}, e.PacketSize)

		if err := e.Conn.Send(buf); err != nil {
			e.failures++
			consec++
			if consec > e.maxConsecFail {
				e.maxConsecFail = consec
			}
			if e.LogErrors || !socket.IsTransient(err) {
				log.Printf("emitter: packet #%d: %v (retrying in %v)", seq, err, e.RetryDelay)
			}
			if !sleep(ctx, e.RetryDelay, deadline) {
				break
			}
			continue
		}
		consec = 0

		e.Log.Write([]string{
			strconv.FormatUint(uint64(seq), 10),
			csvlog.FormatFloat(ts),
			strconv.Itoa(len(buf)),
		})
		e.sent++
		seq++

		if wait := interval - time.Since(slotStart); wait > 0 {
			if !sleep(ctx, wait, deadline) {
				break
			}
		}
	}

	e.Log.Flush()
	attempts := e.sent + e.failures
	log.Printf("emitter: done, %d sent, %d send errors (max %d consecutive), %d attempts",
		e.sent, e.failures, e.maxConsecFail, attempts)
	return nil
}

// Sent is the number of datagrams handed to the transport successfully.
func (e *Emitter) Sent() int {
	return e.sent
}

// Failures is the number of failed send attempts, all of which were retried.
func (e *Emitter) Failures() int {
	return e.failures
}

// MaxConsecutiveFailures is the longest run of back-to-back send failures.
func (e *Emitter) MaxConsecutiveFailures() int {
	return e.maxConsecFail
}
