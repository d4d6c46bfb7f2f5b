// Package packet implements the probe wire format: a 12-byte big-endian
// header of {sequence uint32, send time float64 unix seconds} followed by
// zero padding up to the configured datagram size. No framing, checksum or
// versioning beyond UDP's own.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const HeaderSize = 4 + 8

var ErrTruncated = errors.New("datagram shorter than header")

type Header struct {
	Seq      uint32
	SendTime float64 // unix seconds, sub-millisecond resolution
}

// Now returns the current wall clock as float unix seconds, the timestamp
// resolution carried on the wire.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Append encodes h and pads the datagram to size bytes, reusing buf's
// storage. Datagrams smaller than the header are never produced; size below
// HeaderSize yields a bare header.
func Append(buf []byte, h Header, size int) []byte {
	buf = binary.BigEndian.AppendUint32(buf[:0], h.Seq)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(h.SendTime))
	for len(buf) < size {
		buf = append(buf, 0)
	}
	return buf
}

// Decode extracts the header from a received datagram.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}
	return Header{
		Seq:      binary.BigEndian.Uint32(buf),
		SendTime: math.Float64frombits(binary.BigEndian.Uint64(buf[4:])),
	}, nil
}
