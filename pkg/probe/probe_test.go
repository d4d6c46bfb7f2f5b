package probe_test

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"udplat/pkg/csvlog"
	"udplat/pkg/packet"
	"udplat/pkg/probe"
	"udplat/pkg/socket"
)

// fakeConn is an in-memory transport: Send captures datagrams, RecvFrom
// serves them from a channel with timeout semantics matching pkg/socket.
type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	attempts int
	sendErr  func(attempt int) error

	in chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 1024)}
}

func (f *fakeConn) Send(buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.sendErr != nil {
		if err := f.sendErr(f.attempts); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, append([]byte(nil), buf...))
	return nil
}

func (f *fakeConn) RecvFrom(buf []byte) (int, unix.Sockaddr, error) {
	select {
	case d := <-f.in:
		n := copy(buf, d)
		return n, &unix.SockaddrInet4{Port: 20002, Addr: [4]byte{192, 168, 104, 10}}, nil
	case <-time.After(10 * time.Millisecond):
		return 0, nil, socket.ErrTimeout
	}
}

func (f *fakeConn) Close() error {
	return nil
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	fd, err := os.Open(path)
	require.NoError(t, err)
	defer fd.Close()
	rows, err := csv.NewReader(fd).ReadAll()
	require.NoError(t, err)
	return rows
}

func newLog(t *testing.T, name string, header []string) *csvlog.Writer {
	t.Helper()
	return csvlog.New(filepath.Join(t.TempDir(), name), header)
}

func TestEmitterSequenceMonotonic(t *testing.T) {
	conn := newFakeConn()
	w := newLog(t, "sender.csv", probe.EmitterLogHeader)

	e := &probe.Emitter{
		Conn:       conn,
		Log:        w,
		Rate:       2000,
		PacketSize: 64,
		Active:     150 * time.Millisecond,
		RetryDelay: time.Millisecond,
	}
	require.NoError(t, e.Run(context.Background()))
	w.Close()

	require.NotEmpty(t, conn.sent)
	for i, d := range conn.sent {
		hdr, err := packet.Decode(d)
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), hdr.Seq)
		assert.Len(t, d, 64)
	}
	assert.Equal(t, len(conn.sent), e.Sent())
	assert.Zero(t, e.Failures())
}

func TestEmitterRetriesSameSlot(t *testing.T) {
	conn := newFakeConn()
	// transport unreachable for attempts 4..6
	conn.sendErr = func(attempt int) error {
		if attempt >= 4 && attempt <= 6 {
			return fmt.Errorf("sendto: %w", unix.ENETUNREACH)
		}
		return nil
	}
	w := newLog(t, "sender.csv", probe.EmitterLogHeader)

	e := &probe.Emitter{
		Conn:       conn,
		Log:        w,
		Rate:       1000,
		PacketSize: 32,
		Active:     200 * time.Millisecond,
		RetryDelay: 5 * time.Millisecond,
		LogErrors:  true,
	}
	require.NoError(t, e.Run(context.Background()))
	path := w.Path()
	w.Close()

	assert.Equal(t, 3, e.Failures())
	assert.Equal(t, 3, e.MaxConsecutiveFailures())

	// the failed slot was reused: on-wire sequence is still 1,2,3,4,...
	for i, d := range conn.sent {
		hdr, err := packet.Decode(d)
		require.NoError(t, err)
		require.Equal(t, uint32(i+1), hdr.Seq)
	}

	// and the log shows no gap and no duplicate
	rows := readRows(t, path)
	require.Greater(t, len(rows), 1)
	for i, row := range rows[1:] {
		require.Equal(t, strconv.Itoa(i+1), row[0])
	}
}

func TestEmitterRateIsCeiling(t *testing.T) {
	conn := newFakeConn()
	w := newLog(t, "sender.csv", probe.EmitterLogHeader)

	e := &probe.Emitter{
		Conn:       conn,
		Log:        w,
		Rate:       50,
		PacketSize: 32,
		Active:     300 * time.Millisecond,
		RetryDelay: time.Millisecond,
	}
	start := time.Now()
	require.NoError(t, e.Run(context.Background()))
	w.Close()

	assert.LessOrEqual(t, e.Sent(), 17) // 50 Hz * 0.3 s, plus slack for the first slot
	assert.GreaterOrEqual(t, e.Sent(), 3)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEmitterHonorsCancel(t *testing.T) {
	conn := newFakeConn()
	w := newLog(t, "sender.csv", probe.EmitterLogHeader)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	e := &probe.Emitter{
		Conn:       conn,
		Log:        w,
		Rate:       10,
		PacketSize: 32,
		Active:     time.Hour,
		RetryDelay: time.Second,
	}
	start := time.Now()
	require.NoError(t, e.Run(ctx))
	w.Close()
	assert.Less(t, time.Since(start), 5*time.Second)
}

func feed(conn *fakeConn, seq uint32, sendTime float64, size int) {
	conn.in <- packet.Append(nil, packet.Header{Seq: seq, SendTime: sendTime}, size)
}

func TestCollectorRecordsAndInfersGaps(t *testing.T) {
	conn := newFakeConn()
	w := newLog(t, "receiver.csv", probe.CollectorLogHeader)

	now := packet.Now()
	feed(conn, 1, now, 200)
	feed(conn, 2, now, 200)
	feed(conn, 5, now, 200) // two lost on the wire
	conn.in <- []byte{0x01} // malformed
	feed(conn, 6, now+3600, 200) // sender clock ahead: negative delay

	c := &probe.Collector{
		Conn:       conn,
		Log:        w,
		BufferSize: 1500,
		Runtime:    300 * time.Millisecond,
	}
	require.NoError(t, c.Run(context.Background()))
	path := w.Path()
	w.Close()

	assert.Equal(t, 4, c.Received())
	assert.Equal(t, uint64(2), c.Gaps())

	rows := readRows(t, path)
	require.Len(t, rows, 5)
	assert.Equal(t, probe.CollectorLogHeader, rows[0])
	assert.Equal(t, "1", rows[1][0])
	assert.Equal(t, "5", rows[3][0])
	assert.Equal(t, "192.168.104.10", rows[1][4])
	assert.Equal(t, "20002", rows[1][5])
	assert.Equal(t, "200", rows[1][6])

	// delays of the honest packets are small and positive
	d, err := strconv.ParseFloat(rows[1][3], 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, 0.0)
	assert.Less(t, d, 1.0)

	// the implausible packet is recorded, not filtered
	d, err = strconv.ParseFloat(rows[4][3], 64)
	require.NoError(t, err)
	assert.Negative(t, d)
}

func TestCollectorStopsAtDeadlineWithoutTraffic(t *testing.T) {
	conn := newFakeConn()
	w := newLog(t, "receiver.csv", probe.CollectorLogHeader)

	c := &probe.Collector{
		Conn:       conn,
		Log:        w,
		BufferSize: 1500,
		Runtime:    100 * time.Millisecond,
	}
	start := time.Now()
	require.NoError(t, c.Run(context.Background()))
	w.Close()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, c.Received())
}
