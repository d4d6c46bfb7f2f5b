package session

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"udplat/pkg/chrony"
	"udplat/pkg/recorder"
)

// monitor appends one status snapshot per interval to a JSONL file. The log
// is append-only; snapshots are never rewritten.
type monitor struct {
	s    *Session
	path string

	mu      sync.Mutex
	file    *os.File
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newMonitor(s *Session, path string) *monitor {
	return &monitor{s: s, path: path}
}

func (m *monitor) start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.loop(ctx)
	log.Printf("session %s: status monitor started", m.s.id)
}

func (m *monitor) loop(ctx context.Context) {
	defer close(m.doneCh)

	m.emit(ctx)
	ticker := time.NewTicker(m.s.monitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.emit(ctx)
		}
	}
}

func (m *monitor) emit(ctx context.Context) {
	snap := m.s.snapshot(ctx)
	line, err := json.Marshal(snap)
	if err != nil {
		log.Printf("monitor: marshal snapshot: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
			log.Printf("monitor: %v", err)
			return
		}
		f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Printf("monitor: %v", err)
			return
		}
		m.file = f
	}
	if _, err := m.file.Write(append(line, '\n')); err != nil {
		log.Printf("monitor: write snapshot: %v", err)
		m.file.Close()
		m.file = nil
	}
}

// stop is idempotent; stopping a never-started monitor is a no-op.
func (m *monitor) stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	<-m.doneCh

	m.mu.Lock()
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}
	m.mu.Unlock()
}

// snapshot gathers the current session state. Sync fields are null when
// synchronization is disabled: the delay data is still recorded, it is just
// unreliable by design.
func (s *Session) snapshot(ctx context.Context) map[string]any {
	snap := map[string]any{
		"timestamp":    time.Now().Format(time.RFC3339Nano),
		"session_id":   s.id,
		"mode":         s.conf.Mode.String(),
		"sync_enabled": s.conf.SyncEnabled,
		"role":         nil,
		"synced":       nil,
		"offset_ms":    nil,
	}

	if s.conf.SyncEnabled {
		snap["role"] = s.coord.Role().String()
		snap["sync_state"] = s.coord.State().String()

		pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		sample := s.coord.Status(pollCtx)
		cancel()

		snap["synced"] = sample.Synced
		if sample.HasOffset {
			snap["offset_ms"] = sample.OffsetMs
		}
		if s.coord.Role() == chrony.RoleClient && !sample.Synced {
			log.Printf("session %s: time sync not holding, offset %.3f ms", s.id, sample.OffsetMs)
		}
	}

	for _, r := range s.recs {
		snap[r.Name()+"_status"] = string(r.Status())
		if r.Status() == recorder.StatusStopped && !s.isStopped() {
			log.Printf("session %s: recorder %s stopped unexpectedly", s.id, r.Name())
		}
	}
	return snap
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
