// Package recorder supervises auxiliary capture processes (position
// telemetry, mesh-link status) that run alongside a test session. Each
// recorder is an independent failure domain: it is observed from outside
// via process liveness, and its death never affects the transport
// measurement.
package recorder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// Spec describes how to launch one recorder. Every recorder binary accepts
// a maximum runtime and a log destination; MaxRuntime is how it self-limits
// when this supervisor dies with the session.
type Spec struct {
	Name       string
	Command    string
	Args       []string
	MaxRuntime time.Duration
	LogDir     string
}

type Recorder struct {
	spec        Spec
	stopTimeout time.Duration

	mu        sync.Mutex
	cmd       *exec.Cmd
	out       *os.File
	startedAt time.Time
	status    Status
	done      chan struct{}
}

func New(spec Spec) *Recorder {
	return &Recorder{
		spec:        spec,
		stopTimeout: 10 * time.Second,
		status:      StatusIdle,
	}
}

func (r *Recorder) Name() string {
	return r.spec.Name
}

func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Recorder) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

// Alive reports whether the process is still running.
func (r *Recorder) Alive() bool {
	return r.Status() == StatusRunning
}

// Start launches the recorder with its runtime budget and log destination
// appended to the configured arguments.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusRunning {
		return nil
	}

	args := append(append([]string(nil), r.spec.Args...),
		"--time", strconv.Itoa(int(r.spec.MaxRuntime.Seconds())),
		"--log-path", r.spec.LogDir,
	)

	var out *os.File
	if r.spec.LogDir != "" {
		if err := os.MkdirAll(r.spec.LogDir, 0o755); err == nil {
			out, _ = os.OpenFile(
				filepath.Join(r.spec.LogDir, r.spec.Name+".out"),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		}
	}

	cmd := exec.CommandContext(ctx, r.spec.Command, args...)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		if out != nil {
			out.Close()
		}
		r.status = StatusFailed
		return fmt.Errorf("start %s: %w", r.spec.Name, err)
	}

	r.cmd = cmd
	r.out = out
	r.startedAt = time.Now()
	r.status = StatusRunning
	r.done = make(chan struct{})

	done := r.done
	go func() {
		cmd.Wait()
		r.mu.Lock()
		if r.status == StatusRunning {
			r.status = StatusStopped
		}
		if r.out != nil {
			r.out.Close()
			r.out = nil
		}
		r.mu.Unlock()
		close(done)
	}()
	return nil
}

// Stop terminates the process gracefully, escalating to SIGKILL after the
// stop timeout. Stopping an idle or already-stopped recorder is a no-op.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.status != StatusRunning || r.cmd == nil || r.cmd.Process == nil {
		r.mu.Unlock()
		return
	}
	proc := r.cmd.Process
	done := r.done
	r.status = StatusStopped
	r.mu.Unlock()

	proc.Signal(unix.SIGTERM)
	select {
	case <-done:
	case <-time.After(r.stopTimeout):
		proc.Kill()
		<-done
	}
}
