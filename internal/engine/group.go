// Package engine implements the group coordinator: a flat collection of
// child supervisors sharing one spawn recipe and restart policy. The
// caller owns scheduling: a group makes progress only inside
// MonitorChildren, and no operation blocks.
package engine

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tmheath/warden/internal/clock"
	"github.com/tmheath/warden/internal/proc"
)

// Error kinds surfaced by group operations.
var (
	ErrMissingCommand = errors.New("command is not set")
	ErrMissingArgv    = errors.New("argv is not set")
	ErrMissingEnv     = errors.New("environment is not set")
	ErrNoProcesses    = errors.New("no processes configured")
	ErrInvalidChildID = errors.New("child id out of range")
)

// RestartPolicy selects which exits trigger an automatic restart.
type RestartPolicy string

const (
	RestartAlways     RestartPolicy = "always"
	RestartNever      RestartPolicy = "never"
	RestartUnexpected RestartPolicy = "unexpected"
)

// GroupState summarizes a group for its owner.
type GroupState uint8

const (
	GroupStopped GroupState = iota
	GroupStarting
	GroupRunning
	GroupStopping
	GroupFatal
)

func (s GroupState) String() string {
	switch s {
	case GroupStopped:
		return "stopped"
	case GroupStarting:
		return "starting"
	case GroupRunning:
		return "running"
	case GroupStopping:
		return "stopping"
	case GroupFatal:
		return "fatal"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Spec is the shared spawn recipe and policy for every child of a group.
type Spec struct {
	// Name is an opaque label carried into events; the core does not
	// interpret it.
	Name string

	// Command is the executable path handed to the kernel.
	Command string

	// Argv and Env follow execve shape; both must be set (non-nil)
	// before SpawnChildren. An empty Env is valid and means an empty
	// environment.
	Argv []string
	Env  []string

	WorkingDir string

	StdoutPath     string
	StderrPath     string
	RedirectStdout bool
	RedirectStderr bool

	Umask *uint16

	// NumProcs is the desired replica count.
	NumProcs int

	// StartRetries caps restart attempts per child before the child is
	// declared fatal.
	StartRetries int

	// StartTime is the grace period a child must survive before it
	// counts as running.
	StartTime time.Duration

	// StartSecs is the post-running horizon used by the stability query.
	StartSecs time.Duration

	// AutoStart is advisory for the supervisor layer; the core does not
	// consume it.
	AutoStart bool

	StopSignal  unix.Signal
	StopTimeout time.Duration

	AutoRestart RestartPolicy

	// ExitCodes is the allowlist of expected exit codes for the
	// unexpected policy.
	ExitCodes []int

	// BackoffDelay is the cooldown between restart attempts, copied
	// into each child.
	BackoffDelay time.Duration
}

// DefaultSpec returns a Spec carrying the documented defaults. Callers
// fill in Name, Command, Argv, Env and NumProcs.
func DefaultSpec() Spec {
	return Spec{
		RedirectStdout: true,
		RedirectStderr: true,
		StartSecs:      time.Second,
		AutoStart:      true,
		StopSignal:     unix.SIGTERM,
		AutoRestart:    RestartUnexpected,
		ExitCodes:      []int{0},
		BackoffDelay:   time.Second,
	}
}

// Group owns a homogeneous set of child supervisors. Not safe for
// concurrent use; the caller serializes all operations.
type Group struct {
	spec     Spec
	clock    clock.Clock
	events   chan<- Event
	children []proc.Process
	state    GroupState

	// stopRequested pins the restart machinery from StopChildren until
	// the next SpawnChildren, so a drained group stays drained even
	// under an always policy.
	stopRequested bool
}

// Option configures a Group at construction.
type Option func(*Group)

// WithClock substitutes the monotonic time source, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(g *Group) {
		if clk != nil {
			g.clock = clk
		}
	}
}

// WithEvents attaches a lifecycle event channel. Sends are non-blocking;
// an undersized channel drops events rather than stalling the monitor.
func WithEvents(events chan<- Event) Option {
	return func(g *Group) {
		g.events = events
	}
}

// New constructs a Group around the given recipe.
func New(spec Spec, opts ...Option) *Group {
	g := &Group{spec: spec, clock: clock.NewMonotonic(), state: GroupStopped}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Spec returns the group's recipe.
func (g *Group) Spec() Spec { return g.spec }

// Name returns the group label.
func (g *Group) Name() string { return g.spec.Name }

// State returns the group-level summary state.
func (g *Group) State() GroupState { return g.state }

// SpawnChildren materializes NumProcs children and launches each one.
// Children that started before an error remain owned by the group.
func (g *Group) SpawnChildren() error {
	if g.spec.Command == "" {
		return fmt.Errorf("group %s: %w", g.spec.Name, ErrMissingCommand)
	}
	if g.spec.Argv == nil {
		return fmt.Errorf("group %s: %w", g.spec.Name, ErrMissingArgv)
	}
	if g.spec.Env == nil {
		return fmt.Errorf("group %s: %w", g.spec.Name, ErrMissingEnv)
	}
	if g.spec.NumProcs <= 0 {
		return fmt.Errorf("group %s: %w", g.spec.Name, ErrNoProcesses)
	}

	timing := proc.Timing{
		StartGate:    g.spec.StartTime,
		StartSecs:    g.spec.StartSecs,
		BackoffDelay: g.spec.BackoffDelay,
	}
	g.children = make([]proc.Process, g.spec.NumProcs)
	for i := range g.children {
		g.children[i] = proc.New(i, timing, g.clock)
	}
	g.stopRequested = false
	g.state = GroupStarting
	for i := range g.children {
		if err := g.startChild(&g.children[i]); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) startChild(child *proc.Process) error {
	if err := child.Start(g.startParams()); err != nil {
		return err
	}
	pid, _ := child.Pid()
	sendEvent(g.events, g.spec.Name, child.ID(), pid, EventTypeStarting, "child spawned")
	return nil
}

func (g *Group) startParams() proc.StartParams {
	return proc.StartParams{
		Path:           g.spec.Command,
		Argv:           g.spec.Argv,
		Env:            g.spec.Env,
		StdoutPath:     g.spec.StdoutPath,
		StderrPath:     g.spec.StderrPath,
		RedirectStdout: g.spec.RedirectStdout,
		RedirectStderr: g.spec.RedirectStderr,
		WorkingDir:     g.spec.WorkingDir,
		Umask:          g.spec.Umask,
	}
}

// StopChildren delivers the configured stop signal to every live child
// and arms their kill deadlines. A child that exits between the liveness
// check and the signal is tolerated. From then until the next
// SpawnChildren, the monitor pass suspends restarts.
func (g *Group) StopChildren() error {
	for i := range g.children {
		child := &g.children[i]
		if !child.IsAlive() {
			continue
		}
		if err := child.Stop(g.spec.StopSignal, g.spec.StopTimeout); err != nil {
			if errors.Is(err, proc.ErrInvalidState) {
				continue
			}
			return err
		}
		pid, _ := child.Pid()
		sendEvent(g.events, g.spec.Name, child.ID(), pid, EventTypeStopping, "stop requested")
	}
	g.stopRequested = true
	g.state = GroupStopping
	return nil
}

// MonitorChildren is the event pump. Each pass visits children in index
// order and applies at most one policy step per child: the child's own
// monitor, then backoff expiry, then exit handling, then the
// stopped-and-eligible respawn.
func (g *Group) MonitorChildren() error {
	for i := range g.children {
		child := &g.children[i]
		prev := child.State()
		if err := child.Monitor(); err != nil {
			return err
		}
		observedExit := child.State() != prev && child.HasExited()
		g.noteTransition(child, prev)

		switch {
		case child.State() == proc.StateBackoff && child.IsBackoffExpired():
			// Cooldown expiry demotes unconditionally; the stop intent
			// below suppresses only the restart steps, so a child
			// parked in backoff still settles at stopped.
			child.LeaveBackoff()

		case g.stopRequested:
			// A stop intent pins the restart machinery; respawns
			// resume only after a fresh spawn.

		case child.HasExited() && g.shouldRestart(child):
			if child.Retries() < g.spec.StartRetries {
				child.EnterBackoff()
				sendEvent(g.events, g.spec.Name, child.ID(), 0, EventTypeBackoff,
					fmt.Sprintf("restart %d/%d after %s", child.Retries(), g.spec.StartRetries, g.spec.BackoffDelay))
			} else if observedExit {
				sendEvent(g.events, g.spec.Name, child.ID(), 0, EventTypeFatal, "restart budget exhausted")
			}

		case child.State() == proc.StateStopped && g.shouldRestart(child):
			child.ResetForRestart()
			if err := g.startChild(child); err != nil {
				return err
			}
		}
	}
	g.refreshState()
	return nil
}

func (g *Group) noteTransition(child *proc.Process, prev proc.State) {
	state := child.State()
	if state == prev {
		return
	}
	pid, _ := child.Pid()
	switch state {
	case proc.StateRunning:
		sendEvent(g.events, g.spec.Name, child.ID(), pid, EventTypeRunning, "start gate passed")
	case proc.StateExited:
		sendEvent(g.events, g.spec.Name, child.ID(), pid, EventTypeExited, exitMessage(child))
	case proc.StateKilled:
		sendEvent(g.events, g.spec.Name, child.ID(), pid, EventTypeKilled, "kill escalation")
	}
}

func exitMessage(child *proc.Process) string {
	if code, ok := child.ExitCode(); ok {
		return fmt.Sprintf("exit status %d", code)
	}
	if sig, ok := child.ExitSignal(); ok {
		return fmt.Sprintf("terminated by signal %d", sig)
	}
	return "exited without status"
}

// shouldRestart evaluates the restart policy against a child's exit
// disposition. Signal deaths and lost statuses count as unexpected.
func (g *Group) shouldRestart(child *proc.Process) bool {
	switch g.spec.AutoRestart {
	case RestartAlways:
		return true
	case RestartNever:
		return false
	default:
		code, ok := child.ExitCode()
		if !ok {
			return true
		}
		return !g.expectedExit(code)
	}
}

func (g *Group) expectedExit(code int) bool {
	for _, c := range g.spec.ExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// refreshState recomputes the group summary. A stopping group settles in
// Stopped once drained; otherwise fatality dominates, then all-running,
// then all-exited.
func (g *Group) refreshState() {
	switch {
	case g.state == GroupStopping:
		if g.drained() {
			g.state = GroupStopped
		}
	case !g.stopRequested && g.HasFatalProcesses():
		g.state = GroupFatal
	case len(g.children) > 0 && g.RunningCount() == len(g.children):
		g.state = GroupRunning
	case len(g.children) > 0 && g.AllExited():
		g.state = GroupStopped
	}
}

func (g *Group) child(i int) (*proc.Process, error) {
	if i < 0 || i >= len(g.children) {
		return nil, fmt.Errorf("group %s child %d: %w", g.spec.Name, i, ErrInvalidChildID)
	}
	return &g.children[i], nil
}

// StopChild stops one child with the group's stop signal and timeout.
func (g *Group) StopChild(i int) error {
	child, err := g.child(i)
	if err != nil {
		return err
	}
	return child.Stop(g.spec.StopSignal, g.spec.StopTimeout)
}

// KillChild force-kills one child.
func (g *Group) KillChild(i int) error {
	child, err := g.child(i)
	if err != nil {
		return err
	}
	return child.Kill()
}

// SignalChild delivers an arbitrary signal to one running child.
func (g *Group) SignalChild(i int, sig unix.Signal) error {
	child, err := g.child(i)
	if err != nil {
		return err
	}
	return child.SendSignal(sig)
}

// RestartChild restarts one child. A live child is only stopped: once
// its exit is observed, the monitor pass handles it like any other exit,
// so it is started again only if the restart policy accepts the exit,
// retries remain in its budget, and no group stop is in force. A child
// that is not alive is reset, zeroing its retry budget, and started
// immediately.
func (g *Group) RestartChild(i int) error {
	child, err := g.child(i)
	if err != nil {
		return err
	}
	if child.IsAlive() {
		return child.Stop(g.spec.StopSignal, g.spec.StopTimeout)
	}
	child.Reset()
	return g.startChild(child)
}

// RunningCount returns how many children have passed their start gate.
func (g *Group) RunningCount() int {
	n := 0
	for i := range g.children {
		if g.children[i].IsRunning() {
			n++
		}
	}
	return n
}

// AliveCount returns how many children currently own a live pid.
func (g *Group) AliveCount() int {
	n := 0
	for i := range g.children {
		if g.children[i].IsAlive() {
			n++
		}
	}
	return n
}

// drained reports whether no child holds a pid and none is waiting out a
// backoff cooldown. A stopped group can settle with children parked in
// stopped rather than exited, since the stop intent never respawns them.
func (g *Group) drained() bool {
	for i := range g.children {
		child := &g.children[i]
		if child.IsAlive() || child.State() == proc.StateBackoff {
			return false
		}
	}
	return true
}

// AllExited reports whether every child is terminal.
func (g *Group) AllExited() bool {
	for i := range g.children {
		if !g.children[i].HasExited() {
			return false
		}
	}
	return true
}

// HasFatalProcesses reports whether any child exhausted its restart
// budget on an exit the policy wanted to retry.
func (g *Group) HasFatalProcesses() bool {
	for i := range g.children {
		child := &g.children[i]
		if child.HasExited() && g.shouldRestart(child) && child.Retries() >= g.spec.StartRetries {
			return true
		}
	}
	return false
}

// TotalUptime sums the uptimes of all running children.
func (g *Group) TotalUptime() time.Duration {
	var total time.Duration
	for i := range g.children {
		if g.children[i].IsRunning() {
			total += g.children[i].Uptime()
		}
	}
	return total
}

// ChildStatus is a point-in-time snapshot of one child, safe to hand to
// presentation layers.
type ChildStatus struct {
	ID            int
	Pid           int
	State         proc.State
	Retries       int
	Uptime        time.Duration
	ExitCode      int
	HasExitCode   bool
	ExitSignal    unix.Signal
	HasExitSignal bool
	FailedStart   bool
}

// Status snapshots every child in index order.
func (g *Group) Status() []ChildStatus {
	out := make([]ChildStatus, len(g.children))
	for i := range g.children {
		child := &g.children[i]
		pid, _ := child.Pid()
		code, hasCode := child.ExitCode()
		sig, hasSig := child.ExitSignal()
		out[i] = ChildStatus{
			ID:            child.ID(),
			Pid:           pid,
			State:         child.State(),
			Retries:       child.Retries(),
			Uptime:        child.Uptime(),
			ExitCode:      code,
			HasExitCode:   hasCode,
			ExitSignal:    sig,
			HasExitSignal: hasSig,
			FailedStart:   child.FailedStart(),
		}
	}
	return out
}
