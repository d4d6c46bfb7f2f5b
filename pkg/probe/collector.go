package probe

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/ddirect/container/ttlmap"

	"udplat/pkg/csvlog"
	"udplat/pkg/packet"
	"udplat/pkg/socket"
	"udplat/pkg/stats"
)

// CollectorLogHeader is the receiver CSV schema.
var CollectorLogHeader = []string{
	"seq_num", "send_timestamp", "recv_timestamp", "delay",
	"src_ip", "src_port", "packet_size",
}

const (
	summaryEvery      = 100
	delayWindowSize   = 1000
	delayWindowSpread = 0 // keep every sample; implausible delays are data
	sourceIdleAfter   = time.Minute
)

// Collector records every datagram it receives: no deduplication, no
// reordering, no filtering. It runs for active+buffer so it outlives the
// emitter and catches in-flight packets near the deadline. The caller must
// have armed a read timeout on the socket; that is what lets the loop poll
// its own deadline under total peer loss.
type Collector struct {
	Conn       Conn
	Log        *csvlog.Writer
	BufferSize int
	Runtime    time.Duration

	received  int
	malformed int
	gaps      uint64
	highSeq   uint32
	delays    *stats.Window[time.Duration]
}

func (c *Collector) Run(ctx context.Context) error {
	deadline := time.Now().Add(c.Runtime)
	c.delays = stats.New[time.Duration](delayWindowSize, delayWindowSpread)

	seen, expired := ttlmap.New[string, uint32](sourceIdleAfter, time.Second)

	log.Printf("collector: listening for %v", c.Runtime)

	buf := make([]byte, c.BufferSize)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		select {
		case batch := <-expired:
			for src := range batch {
				log.Printf("collector: source %s idle, last seq %d", src.Key(), src.Value)
			}
		default:
		}

		n, from, err := c.Conn.RecvFrom(buf)
		recvTime := packet.Now()
		if err == socket.ErrTimeout {
			continue
		}
		if err != nil {
			log.Printf("collector: %v", err)
			continue
		}

		hdr, err := packet.Decode(buf[:n])
		if err != nil {
			c.malformed++
			log.Printf("collector: dropping malformed datagram: %v", err)
			continue
		}

		delay := recvTime - hdr.SendTime
		if delay < 0 {
			// clock sync drifted or never held; recorded anyway
			log.Printf("collector: negative delay %.6fs on #%d", delay, hdr.Seq)
		}

		srcIP, srcPort := socket.AddrPort(from)
		c.Log.Write([]string{
			strconv.FormatUint(uint64(hdr.Seq), 10),
			csvlog.FormatFloat(hdr.SendTime),
			csvlog.FormatFloat(recvTime),
			csvlog.FormatFloat(delay),
			srcIP,
			strconv.Itoa(srcPort),
			strconv.Itoa(n),
		})
		c.received++
		c.delays.Add(time.Duration(delay * float64(time.Second)))

		if c.highSeq != 0 && hdr.Seq > c.highSeq+1 {
			missing := uint64(hdr.Seq - c.highSeq - 1)
			c.gaps += missing
			log.Printf("collector: %d missing before #%d", missing, hdr.Seq)
		}
		if hdr.Seq > c.highSeq {
			c.highSeq = hdr.Seq
		}

		src, found := seen.GetOrCreate(socket.AddrToString(from))
		if !found {
			log.Printf("collector: new source %s", src.Key())
		}
		src.Value = hdr.Seq

		if c.received%summaryEvery == 0 {
			c.logSummary()
		}
	}

	c.Log.Flush()
	c.logSummary()
	log.Printf("collector: done, %d received, %d malformed, %d sequence gaps",
		c.received, c.malformed, c.gaps)
	return nil
}

func (c *Collector) logSummary() {
	if c.delays.Total() == 0 {
		return
	}
	log.Printf("collector: delay over %d samples: mean %v stddev %v min %v max %v",
		c.delays.Total(), c.delays.Mean(), c.delays.StdDev(), c.delays.Min(), c.delays.Max())
}

// Received is the number of datagrams recorded.
func (c *Collector) Received() int {
	return c.received
}

// Gaps is the cumulative count of sequence numbers skipped over in arrival
// order; the authoritative loss figure comes from post-hoc log analysis.
func (c *Collector) Gaps() uint64 {
	return c.gaps
}
