// Package proc implements the single-child supervisor: a value object
// owning one subprocess pid, its lifecycle state machine, timing marks
// and exit disposition. It performs no background work; the owner drives
// progress by calling Monitor from a poll loop.
package proc

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tmheath/warden/internal/clock"
)

// ErrInvalidState is returned when an operation is invoked in a state the
// lifecycle machine forbids.
var ErrInvalidState = errors.New("invalid process state")

// State is the lifecycle discriminant of a supervised child.
type State uint8

const (
	StateNone State = iota
	StateStopped
	StateStarting
	StateRunning
	StateStopping
	StateExited
	StateKilled
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Timing bundles the per-child policy durations copied from the group
// recipe at spawn time.
type Timing struct {
	// StartGate is how long a fresh child must survive before it is
	// promoted from Starting to Running.
	StartGate time.Duration

	// StartSecs is the horizon past Running after which the child is
	// considered stably started (see IsStable).
	StartSecs time.Duration

	// BackoffDelay is the cooldown enforced between restart attempts.
	BackoffDelay time.Duration
}

// Process supervises one child. The zero value is unusable; construct
// with New. Process is a plain value and holds no references beyond the
// OS-side pid and its clock; it is not safe for concurrent use.
type Process struct {
	clock  clock.Clock
	id     int
	timing Timing

	pid   int
	state State

	startTime    uint64
	gateStarted  uint64
	startedAt    uint64
	stopDeadline uint64
	backoffUntil uint64

	exitCode      int
	exitSignal    unix.Signal
	hasExitCode   bool
	hasExitSignal bool

	failedStart bool
	sentKill    bool
	retries     int
}

// New returns a child supervisor in the Stopped state, ready to Start.
func New(id int, timing Timing, clk clock.Clock) Process {
	if clk == nil {
		clk = clock.NewMonotonic()
	}
	return Process{clock: clk, id: id, timing: timing, state: StateStopped}
}

// Stop delivers sig to the child and arms the SIGKILL escalation deadline
// timeout from now. Valid only while the child is Running or Starting.
func (p *Process) Stop(sig unix.Signal, timeout time.Duration) error {
	if p.state != StateRunning && p.state != StateStarting {
		return fmt.Errorf("stop child %d in state %s: %w", p.id, p.state, ErrInvalidState)
	}
	if err := p.signal(sig); err != nil {
		return err
	}
	if timeout < 0 {
		timeout = 0
	}
	p.state = StateStopping
	p.stopDeadline = p.clock.Now() + uint64(timeout)
	return nil
}

// SendSignal delivers sig to a Running child without changing its state.
func (p *Process) SendSignal(sig unix.Signal) error {
	if p.state != StateRunning {
		return fmt.Errorf("signal child %d in state %s: %w", p.id, p.state, ErrInvalidState)
	}
	return p.signal(sig)
}

// Kill delivers SIGKILL and marks the child Killed. Valid from any
// non-terminal state.
func (p *Process) Kill() error {
	if p.state == StateExited || p.state == StateKilled {
		return fmt.Errorf("kill child %d in state %s: %w", p.id, p.state, ErrInvalidState)
	}
	if err := p.signal(unix.SIGKILL); err != nil {
		return err
	}
	p.state = StateKilled
	return nil
}

// signal delivers sig to the direct pid, falling back to the child's
// process group when the pid is already gone. The fallback is what
// reaches grandchildren after a shell wrapper has exited.
func (p *Process) signal(sig unix.Signal) error {
	if p.pid <= 0 {
		return nil
	}
	if err := unix.Kill(p.pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			_ = unix.Kill(-p.pid, sig)
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", p.pid, err)
	}
	return nil
}

// Monitor advances the state machine. It never blocks: liveness is probed
// with a null signal, the stop deadline escalates to SIGKILL, and the pid
// is reaped with waitpid(WNOHANG). The owner must call it repeatedly.
func (p *Process) Monitor() error {
	now := p.clock.Now()

	if p.state == StateStarting {
		if err := unix.Kill(p.pid, 0); errors.Is(err, unix.ESRCH) {
			// Gone before the grace period elapsed and already reaped
			// elsewhere; no status to collect.
			p.failedStart = true
			p.state = StateExited
			p.pid = 0
			return nil
		}
		if clock.Elapsed(now, p.gateStarted) >= uint64(p.timing.StartGate) {
			p.state = StateRunning
			p.startedAt = now
		}
	}

	if p.state == StateStopping && !p.sentKill && now >= p.stopDeadline {
		if err := p.Kill(); err != nil {
			return err
		}
		p.sentKill = true
	}

	if p.pid > 0 {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			return nil
		case errors.Is(err, unix.ECHILD):
			// Reaped by someone else; the status is lost.
			p.recordExit()
		case err != nil:
			return fmt.Errorf("waitpid %d: %w", p.pid, err)
		case wpid == p.pid:
			if ws.Exited() {
				p.exitCode = ws.ExitStatus()
				p.hasExitCode = true
			} else if ws.Signaled() {
				p.exitSignal = ws.Signal()
				p.hasExitSignal = true
			}
			p.recordExit()
		}
	}
	return nil
}

// recordExit releases the pid and settles the terminal state. A child
// reaped after Kill stays Killed; everything else lands in Exited.
func (p *Process) recordExit() {
	if p.state == StateStarting {
		p.failedStart = true
	}
	if p.state != StateKilled {
		p.state = StateExited
	}
	p.pid = 0
}

// EnterBackoff charges one restart attempt and places the child in
// cooldown until BackoffDelay from now.
func (p *Process) EnterBackoff() {
	p.retries++
	p.state = StateBackoff
	p.backoffUntil = p.clock.Now() + uint64(p.timing.BackoffDelay)
}

// IsBackoffExpired reports whether the cooldown armed by EnterBackoff has
// elapsed.
func (p *Process) IsBackoffExpired() bool {
	return p.clock.Now() >= p.backoffUntil
}

// LeaveBackoff returns an expired-cooldown child to Stopped, making it
// eligible for the next restart attempt. No-op outside Backoff.
func (p *Process) LeaveBackoff() {
	if p.state == StateBackoff {
		p.state = StateStopped
	}
}

// Reset clears every mutable field, including the consumed retry budget.
func (p *Process) Reset() {
	p.ResetForRestart()
	p.retries = 0
}

// ResetForRestart clears the mutable fields but preserves the retry
// count, so repeated restart attempts keep drawing from one budget.
func (p *Process) ResetForRestart() {
	p.pid = 0
	p.state = StateStopped
	p.startTime = 0
	p.gateStarted = 0
	p.startedAt = 0
	p.stopDeadline = 0
	p.backoffUntil = 0
	p.clearExit()
}

func (p *Process) clearExit() {
	p.exitCode = 0
	p.exitSignal = 0
	p.hasExitCode = false
	p.hasExitSignal = false
	p.failedStart = false
	p.sentKill = false
}

// ID returns the stable per-group index of this child.
func (p *Process) ID() int { return p.id }

// Pid returns the OS pid while the child exists.
func (p *Process) Pid() (int, bool) { return p.pid, p.pid > 0 }

// State returns the current lifecycle state.
func (p *Process) State() State { return p.state }

// IsAlive reports whether the child currently owns a live pid.
func (p *Process) IsAlive() bool {
	return p.state == StateStarting || p.state == StateRunning || p.state == StateStopping
}

// IsRunning reports whether the child has passed its start gate.
func (p *Process) IsRunning() bool { return p.state == StateRunning }

// HasExited reports whether the child reached a terminal state.
func (p *Process) HasExited() bool {
	return p.state == StateExited || p.state == StateKilled
}

// ExitCode returns the exit status of a normally exited child.
func (p *Process) ExitCode() (int, bool) { return p.exitCode, p.hasExitCode }

// ExitSignal returns the signal that terminated the child.
func (p *Process) ExitSignal() (unix.Signal, bool) { return p.exitSignal, p.hasExitSignal }

// FailedStart reports whether the child disappeared before ever reaching
// Running.
func (p *Process) FailedStart() bool { return p.failedStart }

// SentKill reports whether the stop deadline escalated to SIGKILL.
func (p *Process) SentKill() bool { return p.sentKill }

// Retries returns the number of restart attempts consumed.
func (p *Process) Retries() int { return p.retries }

// Uptime returns how long the child has been alive since its last
// successful start, zero once it is gone.
func (p *Process) Uptime() time.Duration {
	if !p.IsAlive() {
		return 0
	}
	return time.Duration(clock.Elapsed(p.clock.Now(), p.startTime))
}

// IsStable reports whether the child has stayed Running for at least
// StartSecs. The core attaches no policy to stability; callers may.
func (p *Process) IsStable() bool {
	if p.state != StateRunning {
		return false
	}
	return clock.Elapsed(p.clock.Now(), p.startedAt) >= uint64(p.timing.StartSecs)
}
