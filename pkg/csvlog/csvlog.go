// Package csvlog appends measurement rows to CSV files on links and disks
// that misbehave. A write error never disables logging: the file is closed
// and reopened with capped exponential backoff, and an atomically replaced
// file (inode change) is detected and picked up. Rows offered while the file
// is unavailable are dropped, not queued; the measurement loop must not
// block on storage.
package csvlog

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultFlushEvery    = 10
	defaultFlushInterval = time.Second
	defaultCheckEvery    = 50
	defaultCheckInterval = time.Second
	retryBaseInterval    = 5 * time.Second
	retryMaxInterval     = time.Minute
)

type Writer struct {
	path   string
	header []string

	file *os.File
	csv  *csv.Writer

	writesSinceFlush int
	writesSinceCheck int
	lastFlush        time.Time
	lastCheck        time.Time

	nextRetryAt   time.Time
	retryInterval time.Duration

	now func() time.Time // test hook
}

// New prepares a lazy append writer; the file is not opened until the first
// Write, and the header row is emitted only when the file is empty.
func New(path string, header []string) *Writer {
	return &Writer{
		path:          path,
		header:        header,
		retryInterval: retryBaseInterval,
		now:           time.Now,
	}
}

func (w *Writer) Path() string {
	return w.path
}

// Write appends one row, reporting whether it reached the csv buffer.
func (w *Writer) Write(row []string) bool {
	now := w.now()
	if !w.ensureOpen(now) {
		return false
	}
	if !w.ensureSameFile(now) {
		return false
	}

	if err := w.csv.Write(row); err != nil {
		w.handleError("write", err, now)
		return false
	}
	w.writesSinceFlush++
	w.maybeFlush(now)
	return true
}

func (w *Writer) Flush() {
	if w.file == nil {
		return
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.handleError("flush", err, w.now())
		return
	}
	w.writesSinceFlush = 0
	w.lastFlush = w.now()
}

func (w *Writer) Close() {
	if w.file == nil {
		return
	}
	w.csv.Flush()
	w.file.Close()
	w.file = nil
	w.csv = nil
}

func (w *Writer) ensureOpen(now time.Time) bool {
	if w.file != nil {
		return true
	}
	if now.Before(w.nextRetryAt) {
		return false
	}

	if dir := filepath.Dir(w.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.handleError("mkdir", err, now)
			return false
		}
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.handleError("open", err, now)
		return false
	}

	cw := csv.NewWriter(f)
	if st, err := f.Stat(); err == nil && st.Size() == 0 {
		if err := cw.Write(w.header); err != nil {
			f.Close()
			w.handleError("header", err, now)
			return false
		}
		cw.Flush()
	}

	w.file = f
	w.csv = cw
	w.writesSinceFlush = 0
	w.writesSinceCheck = 0
	w.lastFlush = now
	w.lastCheck = now
	w.retryInterval = retryBaseInterval
	return true
}

// ensureSameFile reopens when the path no longer names the open file, which
// happens when an external tool rotates or atomically replaces the log.
func (w *Writer) ensureSameFile(now time.Time) bool {
	w.writesSinceCheck++
	due := w.writesSinceCheck >= defaultCheckEvery ||
		now.Sub(w.lastCheck) >= defaultCheckInterval
	if !due {
		return true
	}
	w.writesSinceCheck = 0
	w.lastCheck = now

	fdInfo, err1 := w.file.Stat()
	pathInfo, err2 := os.Stat(w.path)
	if err1 == nil && err2 == nil && os.SameFile(fdInfo, pathInfo) {
		return true
	}

	log.Printf("csvlog: %s was replaced, reopening", w.path)
	w.Close()
	return w.ensureOpen(now)
}

func (w *Writer) maybeFlush(now time.Time) {
	if w.writesSinceFlush >= defaultFlushEvery || now.Sub(w.lastFlush) >= defaultFlushInterval {
		w.Flush()
	}
}

func (w *Writer) handleError(context string, err error, now time.Time) {
	log.Printf("csvlog: %s %s: %v (retry in %v)", w.path, context, err, w.retryInterval)
	w.Close()
	w.nextRetryAt = now.Add(w.retryInterval)
	w.retryInterval = min(2*w.retryInterval, retryMaxInterval)
}

// FormatFloat renders wire timestamps and delays with microsecond precision.
func FormatFloat(v float64) string {
	return fmt.Sprintf("%.6f", v)
}
