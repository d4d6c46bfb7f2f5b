// Package session drives one end-to-end test session on a node: clock sync
// negotiation, auxiliary recorder startup, the probe run itself, periodic
// status snapshots and deterministic teardown. Each worker is its own
// failure domain; only the fatal class (bad config, unbindable socket,
// required sync that cannot be configured) aborts a session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"udplat/pkg/budget"
	"udplat/pkg/chrony"
	"udplat/pkg/csvlog"
	"udplat/pkg/probe"
	"udplat/pkg/recorder"
	"udplat/pkg/socket"
)

const (
	monitorInterval = 10 * time.Second
	readTimeout     = time.Second
	senderHoldoff   = 20 * time.Second
)

type Session struct {
	conf   Config
	id     string
	budget budget.Budget
	coord  *chrony.Coordinator
	recs   []*recorder.Recorder
	run    chrony.Runner

	monitorEvery time.Duration
	holdoff      time.Duration
	openConn     func(local, peer *net.UDPAddr) (probe.Conn, error)

	monitor *monitor

	mu           sync.Mutex
	syncVerified bool
	stopped      bool
}

// New validates conf, derives the immutable timing budget and assembles the
// session. Nothing external is touched until Run.
func New(conf Config) (*Session, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	b, err := budget.Compute(conf.Mode, conf.ActiveSeconds, conf.SyncEnabled)
	if err != nil {
		return nil, err
	}

	s := &Session{
		conf:         conf,
		id:           uuid.NewString(),
		budget:       b,
		run:          chrony.ExecRunner{},
		monitorEvery: monitorInterval,
		holdoff:      senderHoldoff,
		openConn: func(local, peer *net.UDPAddr) (probe.Conn, error) {
			return socket.Open(local, peer)
		},
	}
	s.coord = chrony.New(conf.Mode, conf.LocalIP, conf.SyncPeerIP, chrony.Options{})

	for _, rc := range conf.Recorders {
		s.recs = append(s.recs, recorder.New(recorder.Spec{
			Name:       rc.Name,
			Command:    rc.Command,
			Args:       rc.Args,
			MaxRuntime: time.Duration(b.RecorderSeconds) * time.Second,
			LogDir:     conf.LogDir,
		}))
	}

	s.monitor = newMonitor(s, filepath.Join(conf.LogDir, "system_monitor.jsonl"))
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Budget() budget.Budget {
	return s.budget
}

// Run executes the full session sequence. Degraded conditions (sync
// timeout, unreachable peer, recorder startup failure) are logged and
// reflected in snapshots but never abort the probe; teardown runs on every
// exit path.
func (s *Session) Run(ctx context.Context) error {
	defer s.Stop()

	log.Printf("session %s: mode %s, active %ds, buffer %ds, prep estimate %ds",
		s.id, s.conf.Mode, s.budget.ActiveSeconds, s.budget.BufferSeconds, s.budget.PreparationSeconds)

	s.preflight(ctx)

	if err := s.setupSync(ctx); err != nil {
		return err
	}

	for _, r := range s.recs {
		if err := r.Start(ctx); err != nil {
			log.Printf("session %s: recorder %s failed to start: %v (continuing)", s.id, r.Name(), err)
		}
	}

	s.monitor.start(ctx)

	if s.conf.Mode == budget.ModeSender && s.holdoff > 0 {
		// give the receiving node time to finish its own preparation
		log.Printf("session %s: holding off %v for receiver preparation", s.id, s.holdoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.holdoff):
		}
	}

	if err := s.runProbe(ctx); err != nil {
		return err
	}

	s.Stop()
	log.Printf("session %s: complete, logs in %s", s.id, s.conf.LogDir)
	return nil
}

// preflight checks peer reachability; advisory only.
func (s *Session) preflight(ctx context.Context) {
	if s.conf.PeerIP == "" {
		return
	}
	if _, err := s.run.Run(ctx, "ping", "-c", "1", "-W", "3", s.conf.PeerIP); err != nil {
		log.Printf("session %s: peer %s not reachable yet: %v (continuing)", s.id, s.conf.PeerIP, err)
		return
	}
	log.Printf("session %s: peer %s reachable", s.id, s.conf.PeerIP)
}

func (s *Session) setupSync(ctx context.Context) error {
	if !s.conf.SyncEnabled {
		s.coord.Skip()
		log.Printf("session %s: clock sync skipped", s.id)
		return nil
	}

	log.Printf("session %s: clock sync role %s", s.id, s.coord.Role())
	if err := s.coord.Configure(ctx, s.conf.ReuseSyncConfig); err != nil {
		// sync was requested and not skippable: fatal
		return fmt.Errorf("clock sync setup: %w", err)
	}

	sample, err := s.coord.WaitConverged(ctx)
	switch {
	case err == nil:
		s.setSyncVerified(true)
		log.Printf("session %s: clock sync converged, offset %.3f ms", s.id, sample.OffsetMs)
	case errors.Is(err, chrony.ErrTimedOut):
		// degraded: downstream analysis will discount delay accuracy
		log.Printf("session %s: %v (continuing unverified)", s.id, err)
	default:
		return err
	}
	return nil
}

func (s *Session) runProbe(ctx context.Context) error {
	stamp := time.Now().Format("20060102_150405")

	if s.conf.Mode == budget.ModeSender {
		conn, err := s.openConn(
			&net.UDPAddr{IP: net.ParseIP(s.conf.LocalIP), Port: s.conf.LocalPort},
			&net.UDPAddr{IP: net.ParseIP(s.conf.PeerIP), Port: s.conf.PeerPort},
		)
		if err != nil {
			return fmt.Errorf("open transport: %w", err)
		}
		defer conn.Close()

		w := csvlog.New(filepath.Join(s.conf.LogDir, "udp_sender_"+stamp+".csv"), probe.EmitterLogHeader)
		defer w.Close()

		e := &probe.Emitter{
			Conn:       conn,
			Log:        w,
			Rate:       s.conf.Rate,
			PacketSize: s.conf.PacketSize,
			Active:     time.Duration(s.budget.ActiveSeconds) * time.Second,
			RetryDelay: s.conf.RetryDelay,
			LogErrors:  s.conf.LogErrors,
		}
		return e.Run(ctx)
	}

	conn, err := s.openConn(
		&net.UDPAddr{IP: net.ParseIP(s.conf.LocalIP), Port: s.conf.LocalPort}, nil)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer conn.Close()

	if rt, ok := conn.(interface{ SetReadTimeout(time.Duration) error }); ok {
		if err := rt.SetReadTimeout(readTimeout); err != nil {
			return fmt.Errorf("arm read timeout: %w", err)
		}
	}

	w := csvlog.New(filepath.Join(s.conf.LogDir, "udp_receiver_"+stamp+".csv"), probe.CollectorLogHeader)
	defer w.Close()

	c := &probe.Collector{
		Conn:       conn,
		Log:        w,
		BufferSize: s.conf.BufferSize,
		Runtime:    time.Duration(s.budget.ActiveSeconds+s.budget.BufferSeconds) * time.Second,
	}
	return c.Run(ctx)
}

// Stop tears the session down in reverse start order. It is idempotent and
// safe to call from a signal path while Run is still executing.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	for i := len(s.recs) - 1; i >= 0; i-- {
		s.recs[i].Stop()
	}
	s.monitor.stop()
	log.Printf("session %s: teardown complete", s.id)
}

func (s *Session) setSyncVerified(v bool) {
	s.mu.Lock()
	s.syncVerified = v
	s.mu.Unlock()
}

// SyncVerified reports whether convergence was observed during setup.
func (s *Session) SyncVerified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncVerified
}
