// Package chrony coordinates clock synchronization between the two test
// nodes. The daemon itself is a black box: this package renders its
// configuration, restarts the service and polls its status commands until
// the follower's offset converges.
//
// Roles are a static function of the operating mode, never inferred from
// addresses: the sending node is always the time source of record, the
// receiving node always follows it.
package chrony

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"udplat/pkg/budget"
	"udplat/pkg/offsetparse"
)

// ConvergenceThresholdMs is the offset magnitude below which the follower
// counts as synchronized.
const ConvergenceThresholdMs = 10.0

// ErrTimedOut reports that convergence was not observed within the polling
// ceiling. It is a degraded condition: the session proceeds with sync
// marked unverified.
var ErrTimedOut = errors.New("clock sync not verified within timeout")

type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// RoleFor maps the operating mode to the sync role.
func RoleFor(m budget.Mode) Role {
	if m == budget.ModeSender {
		return RoleServer
	}
	return RoleClient
}

type State uint8

const (
	StateIdle State = iota
	StateRoleAssigned
	StateConfigured
	StatePolling
	StateConverged
	StateTimedOut
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRoleAssigned:
		return "role_assigned"
	case StateConfigured:
		return "configured"
	case StatePolling:
		return "polling"
	case StateConverged:
		return "converged"
	case StateTimedOut:
		return "timed_out"
	case StateSkipped:
		return "skipped"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Sample is one observation of the daemon's view of sync quality. For the
// server role Synced means "expected peer seen in the connected-clients
// report", which is advisory only.
type Sample struct {
	At        time.Time
	OffsetMs  float64
	HasOffset bool
	Synced    bool
}

// Runner executes an external command and returns its combined output.
// Session code shares it for advisory checks like the peer ping.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

type Options struct {
	ConfPath        string        // default /etc/chrony/chrony.conf
	Runner          Runner        // default ExecRunner
	Settle          time.Duration // wait after service restart, default 3s
	PollInterval    time.Duration // default 5s
	ConvergeTimeout time.Duration // default 60s
}

type Coordinator struct {
	role     Role
	localIP  string
	peerIP   string // sync-plane peer; may differ from the data-plane peer
	confPath string
	run      Runner
	settle   time.Duration
	poll     time.Duration
	timeout  time.Duration

	mu    sync.Mutex
	state State
	last  Sample
}

func New(mode budget.Mode, localIP, peerIP string, opts Options) *Coordinator {
	if opts.ConfPath == "" {
		opts.ConfPath = "/etc/chrony/chrony.conf"
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Settle == 0 {
		opts.Settle = 3 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ConvergeTimeout == 0 {
		opts.ConvergeTimeout = 60 * time.Second
	}
	return &Coordinator{
		role:     RoleFor(mode),
		localIP:  localIP,
		peerIP:   peerIP,
		confPath: opts.ConfPath,
		run:      opts.Runner,
		settle:   opts.Settle,
		poll:     opts.PollInterval,
		timeout:  opts.ConvergeTimeout,
		state:    StateIdle,
	}
}

func (c *Coordinator) Role() Role {
	return c.role
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Skip marks synchronization as deliberately disabled; no daemon work and
// no settle delay happen afterwards.
func (c *Coordinator) Skip() {
	c.setState(StateSkipped)
}

// Configure renders and installs the daemon configuration for this node's
// role and restarts the service. With reuse set the existing configuration
// is kept and only the role is assigned.
func (c *Coordinator) Configure(ctx context.Context, reuse bool) error {
	c.setState(StateRoleAssigned)

	if reuse {
		c.setState(StateConfigured)
		return nil
	}

	conf := RenderConfig(c.role, c.localIP, c.peerIP)

	tmp, err := os.CreateTemp("", "chrony-*.conf")
	if err != nil {
		return fmt.Errorf("stage config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(conf); err != nil {
		tmp.Close()
		return fmt.Errorf("stage config: %w", err)
	}
	tmp.Close()

	backup := fmt.Sprintf("%s.backup.%d", c.confPath, time.Now().Unix())
	if _, err := c.run.Run(ctx, "cp", c.confPath, backup); err != nil {
		return fmt.Errorf("backup daemon config: %w", err)
	}
	if _, err := c.run.Run(ctx, "cp", tmp.Name(), c.confPath); err != nil {
		return fmt.Errorf("install daemon config: %w", err)
	}
	if _, err := c.run.Run(ctx, "systemctl", "restart", "chrony"); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}

	// let the daemon come up before the first status query
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.settle):
	}

	c.setState(StateConfigured)
	return nil
}

// WaitConverged polls daemon status until convergence or the configured
// ceiling. On timeout it returns the last sample together with ErrTimedOut;
// the caller records "sync not verified" and proceeds.
func (c *Coordinator) WaitConverged(ctx context.Context) (Sample, error) {
	c.setState(StatePolling)
	deadline := time.Now().Add(c.timeout)

	for {
		s := c.Status(ctx)
		if s.Synced {
			c.setState(StateConverged)
			return s, nil
		}
		if s.HasOffset {
			log.Printf("chrony: offset %.3f ms, waiting for |offset| < %g ms", s.OffsetMs, ConvergenceThresholdMs)
		}

		wait := c.poll
		if remain := time.Until(deadline); remain < wait {
			wait = remain
		}
		if wait <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			c.setState(StateTimedOut)
			return c.lastSample(), ctx.Err()
		case <-time.After(wait):
		}
		if !time.Now().Before(deadline) {
			break
		}
	}

	c.setState(StateTimedOut)
	return c.lastSample(), ErrTimedOut
}

// Status takes one observation. Client role: query the source list and
// parse the selected source's offset. Server role: look for the expected
// peer in the connected-clients report.
func (c *Coordinator) Status(ctx context.Context) Sample {
	s := Sample{At: time.Now()}

	if c.role == RoleClient {
		out, err := c.run.Run(ctx, "chronyc", "sources", "-v")
		if err == nil {
			if token, ok := offsetparse.ActiveSourceOffset(out); ok {
				if ms, perr := offsetparse.Parse(token); perr == nil {
					s.OffsetMs = ms
					s.HasOffset = true
					s.Synced = ms < ConvergenceThresholdMs && ms > -ConvergenceThresholdMs
				}
			}
		}
	} else {
		out, err := c.run.Run(ctx, "chronyc", "clients")
		if err == nil && !strings.Contains(out, "Not authorised") {
			s.Synced = strings.Contains(out, c.peerIP)
		}
	}

	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
	return s
}

func (c *Coordinator) lastSample() Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// RenderConfig produces the chrony configuration this node installs.
func RenderConfig(role Role, localIP, peerIP string) string {
	if role == RoleServer {
		allow := subnet24(peerIP)
		extra := ""
		if local := subnet24(localIP); local != allow {
			extra = "allow " + local + "\n"
		}
		return fmt.Sprintf(`# generated by udplat - serve local clock to the test peer
local stratum 8
allow %s
%scmdallow 127.0.0.1
bindaddress %s
driftfile /var/lib/chrony/drift
makestep 1.0 3
rtcsync
logdir /var/log/chrony
log measurements statistics tracking
`, allow, extra, localIP)
	}
	return fmt.Sprintf(`# generated by udplat - follow the test peer's clock
server %s iburst prefer
makestep 1.0 3
maxupdateskew 100.0
driftfile /var/lib/chrony/drift
rtcsync
logdir /var/log/chrony
log measurements statistics tracking
`, peerIP)
}

// subnet24 widens a peer address to its /24 so the daemon accepts the whole
// sync-plane segment.
func subnet24(ip string) string {
	p := net.ParseIP(ip)
	if v4 := p.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}
	return ip
}

// ConfPath returns the daemon configuration file this coordinator manages.
func (c *Coordinator) ConfPath() string {
	return filepath.Clean(c.confPath)
}
