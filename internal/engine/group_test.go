package engine

import (
	"errors"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tmheath/warden/internal/proc"
)

func shSpec(t *testing.T, name, script string) Spec {
	t.Helper()
	spec := DefaultSpec()
	spec.Name = name
	spec.Command = "/bin/sh"
	spec.Argv = []string{"sh", "-c", script}
	spec.Env = os.Environ()
	spec.NumProcs = 1
	return spec
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func monitorUntil(t *testing.T, g *Group, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	waitFor(t, timeout, msg, func() bool {
		if err := g.MonitorChildren(); err != nil {
			t.Fatalf("monitor children: %v", err)
		}
		return cond()
	})
}

func killAll(t *testing.T, g *Group) {
	t.Helper()
	for i, st := range g.Status() {
		if st.State == proc.StateStarting || st.State == proc.StateRunning || st.State == proc.StateStopping {
			_ = g.KillChild(i)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for !g.AllExited() && time.Now().Before(deadline) {
		_ = g.MonitorChildren()
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpawnValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Spec)
		want   error
	}{
		{"missing command", func(s *Spec) { s.Command = "" }, ErrMissingCommand},
		{"missing argv", func(s *Spec) { s.Argv = nil }, ErrMissingArgv},
		{"missing env", func(s *Spec) { s.Env = nil }, ErrMissingEnv},
		{"no processes", func(s *Spec) { s.NumProcs = 0 }, ErrNoProcesses},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := shSpec(t, "validate", "exit 0")
			tc.mutate(&spec)
			g := New(spec)
			if err := g.SpawnChildren(); !errors.Is(err, tc.want) {
				t.Fatalf("spawn error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestHappyPathSingleExpectedExit(t *testing.T) {
	spec := shSpec(t, "happy", "exit 0")
	spec.AutoRestart = RestartNever
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	status := g.Status()
	if len(status) != 1 || status[0].ID != 0 {
		t.Fatalf("unexpected status after spawn: %+v", status)
	}
	if g.State() != GroupStarting {
		t.Fatalf("group state = %s, want starting", g.State())
	}

	monitorUntil(t, g, 2*time.Second, "all exited", g.AllExited)

	st := g.Status()[0]
	if st.State != proc.StateExited {
		t.Fatalf("child state = %s, want exited", st.State)
	}
	if !st.HasExitCode || st.ExitCode != 0 {
		t.Fatalf("exit code = %d (%t), want 0", st.ExitCode, st.HasExitCode)
	}
	if st.Retries != 0 {
		t.Fatalf("retries = %d, want 0", st.Retries)
	}
	if g.HasFatalProcesses() {
		t.Fatal("an expected exit must not be fatal")
	}
	if g.State() != GroupStopped {
		t.Fatalf("group state = %s, want stopped", g.State())
	}
}

func TestBackoffThenRetryUntilFatal(t *testing.T) {
	spec := shSpec(t, "retry", "exit 1")
	spec.StartRetries = 1
	spec.BackoffDelay = 100 * time.Millisecond
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	monitorUntil(t, g, 2*time.Second, "first backoff", func() bool {
		return g.Status()[0].State == proc.StateBackoff
	})
	if got := g.Status()[0].Retries; got != 1 {
		t.Fatalf("retries after first exit = %d, want 1", got)
	}

	monitorUntil(t, g, 2*time.Second, "respawn after cooldown", func() bool {
		st := g.Status()[0]
		return st.State == proc.StateStarting || st.State == proc.StateRunning ||
			st.State == proc.StateExited
	})

	monitorUntil(t, g, 2*time.Second, "final exit", func() bool {
		st := g.Status()[0]
		return st.State == proc.StateExited
	})
	if got := g.Status()[0].Retries; got != 1 {
		t.Fatalf("retries at exhaustion = %d, want 1", got)
	}
	if !g.HasFatalProcesses() {
		t.Fatal("expected fatal after the retry budget is spent")
	}
	if g.State() != GroupFatal {
		t.Fatalf("group state = %s, want fatal", g.State())
	}
}

func TestAlwaysRestartConsumesFullBudget(t *testing.T) {
	spec := shSpec(t, "budget", "exit 7")
	spec.AutoRestart = RestartAlways
	spec.StartRetries = 2
	spec.BackoffDelay = 50 * time.Millisecond
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	monitorUntil(t, g, 5*time.Second, "budget exhausted", func() bool {
		st := g.Status()[0]
		return st.State == proc.StateExited && st.Retries == 2 && g.HasFatalProcesses()
	})
	st := g.Status()[0]
	if !st.HasExitCode || st.ExitCode != 7 {
		t.Fatalf("exit code = %d (%t), want 7", st.ExitCode, st.HasExitCode)
	}
	// Invariant: backoff is entered only while retries < startretries.
	if st.Retries > spec.StartRetries {
		t.Fatalf("retries %d exceeded budget %d", st.Retries, spec.StartRetries)
	}
}

func TestExpectedExitCodesSuppressRestart(t *testing.T) {
	spec := shSpec(t, "allow", "exit 2")
	spec.ExitCodes = []int{0, 1, 2}
	spec.StartRetries = 3
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	monitorUntil(t, g, 2*time.Second, "exit", g.AllExited)

	st := g.Status()[0]
	if st.Retries != 0 {
		t.Fatalf("retries = %d, want 0 for an expected exit", st.Retries)
	}
	if g.HasFatalProcesses() {
		t.Fatal("expected exit must not be fatal")
	}
	if g.State() != GroupStopped {
		t.Fatalf("group state = %s, want stopped", g.State())
	}
}

func TestUnexpectedCodeOutsideAllowlistRestarts(t *testing.T) {
	spec := shSpec(t, "deny", "exit 3")
	spec.ExitCodes = []int{0, 1, 2}
	spec.StartRetries = 1
	spec.BackoffDelay = 50 * time.Millisecond
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	monitorUntil(t, g, 2*time.Second, "backoff entry", func() bool {
		return g.Status()[0].State == proc.StateBackoff
	})
	killAll(t, g)
}

func TestStopChildrenTerminatesReplicas(t *testing.T) {
	spec := shSpec(t, "stopper", "sleep 5")
	spec.NumProcs = 3
	spec.StopTimeout = 5 * time.Second
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	monitorUntil(t, g, 2*time.Second, "all running", func() bool {
		return g.RunningCount() == 3
	})
	if g.State() != GroupRunning {
		t.Fatalf("group state = %s, want running", g.State())
	}
	if g.TotalUptime() <= 0 {
		t.Fatal("expected positive total uptime with running children")
	}

	if err := g.StopChildren(); err != nil {
		t.Fatalf("stop children: %v", err)
	}
	if g.State() != GroupStopping {
		t.Fatalf("group state = %s, want stopping", g.State())
	}

	monitorUntil(t, g, 2*time.Second, "drain", g.AllExited)
	for _, st := range g.Status() {
		if !st.HasExitSignal || st.ExitSignal != unix.SIGTERM {
			t.Fatalf("child %d exit signal = %v (%t), want SIGTERM", st.ID, st.ExitSignal, st.HasExitSignal)
		}
	}
	if g.State() != GroupStopped {
		t.Fatalf("group state = %s, want stopped after drain", g.State())
	}
	if g.AliveCount() != 0 {
		t.Fatal("no children may remain alive after drain")
	}
}

func TestStopPinsRestarts(t *testing.T) {
	spec := shSpec(t, "pinned", "sleep 5")
	spec.AutoRestart = RestartAlways
	spec.StartRetries = 5
	spec.BackoffDelay = 10 * time.Millisecond
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	monitorUntil(t, g, 2*time.Second, "running", func() bool {
		return g.RunningCount() == 1
	})
	if err := g.StopChildren(); err != nil {
		t.Fatalf("stop children: %v", err)
	}
	monitorUntil(t, g, 2*time.Second, "drain", g.AllExited)

	// Even an always policy must not resurrect children the caller
	// asked to stop.
	for i := 0; i < 5; i++ {
		if err := g.MonitorChildren(); err != nil {
			t.Fatalf("monitor children: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !g.AllExited() {
		t.Fatal("stopped group restarted a child")
	}
	if g.Status()[0].Retries != 0 {
		t.Fatal("stopped group charged a restart attempt")
	}
}

func TestStopWhileChildInBackoffStillDrains(t *testing.T) {
	spec := shSpec(t, "parked", "exit 1")
	spec.StartRetries = 3
	spec.BackoffDelay = 100 * time.Millisecond
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	monitorUntil(t, g, 2*time.Second, "backoff entry", func() bool {
		return g.Status()[0].State == proc.StateBackoff
	})

	// The child holds no pid, so StopChildren has nothing to signal; the
	// group must still be able to drain once the cooldown expires.
	if err := g.StopChildren(); err != nil {
		t.Fatalf("stop children: %v", err)
	}
	monitorUntil(t, g, 2*time.Second, "cooldown demotion", func() bool {
		return g.AliveCount() == 0 && g.Status()[0].State == proc.StateStopped
	})
	if g.State() != GroupStopped {
		t.Fatalf("group state = %s, want stopped once drained", g.State())
	}

	// The stop intent still pins respawns from stopped.
	retries := g.Status()[0].Retries
	for i := 0; i < 5; i++ {
		if err := g.MonitorChildren(); err != nil {
			t.Fatalf("monitor children: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	st := g.Status()[0]
	if st.State != proc.StateStopped || st.Retries != retries {
		t.Fatalf("stopped group moved: %+v", st)
	}
}

func TestSpawnFailureFollowsRestartPolicy(t *testing.T) {
	spec := DefaultSpec()
	spec.Name = "broken"
	spec.Command = "/nonexistent/binary"
	spec.Argv = []string{"x"}
	spec.Env = []string{}
	spec.NumProcs = 1
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	st := g.Status()[0]
	if st.State != proc.StateExited || !st.FailedStart {
		t.Fatalf("status after failed spawn = %+v, want exited with failedStart", st)
	}
	if !st.HasExitCode || st.ExitCode != 1 {
		t.Fatalf("exit code = %d (%t), want 1", st.ExitCode, st.HasExitCode)
	}

	// Default budget is zero retries: the failure is immediately fatal.
	if err := g.MonitorChildren(); err != nil {
		t.Fatalf("monitor children: %v", err)
	}
	if !g.HasFatalProcesses() {
		t.Fatal("expected fatal once the zero-retry budget is consulted")
	}
}

func TestRestartChildOnDeadChildZeroesRetries(t *testing.T) {
	spec := shSpec(t, "manual", "exit 1")
	spec.StartRetries = 1
	spec.BackoffDelay = 50 * time.Millisecond
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	monitorUntil(t, g, 5*time.Second, "budget exhausted", func() bool {
		st := g.Status()[0]
		return st.State == proc.StateExited && st.Retries == 1
	})

	if err := g.RestartChild(0); err != nil {
		t.Fatalf("restart child: %v", err)
	}
	st := g.Status()[0]
	if st.Retries != 0 {
		t.Fatalf("retries after manual restart = %d, want 0", st.Retries)
	}
	if st.State != proc.StateStarting && st.State != proc.StateExited {
		t.Fatalf("unexpected state after manual restart: %s", st.State)
	}
	killAll(t, g)
}

func TestRestartChildOnAliveChildStops(t *testing.T) {
	spec := shSpec(t, "bounce", "sleep 5")
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	monitorUntil(t, g, 2*time.Second, "running", func() bool {
		return g.RunningCount() == 1
	})

	if err := g.RestartChild(0); err != nil {
		t.Fatalf("restart child: %v", err)
	}
	if got := g.Status()[0].State; got != proc.StateStopping {
		t.Fatalf("state after restart on alive child = %s, want stopping", got)
	}
	monitorUntil(t, g, 2*time.Second, "exit", g.AllExited)
}

func TestPerChildBoundsChecks(t *testing.T) {
	g := New(shSpec(t, "bounds", "exit 0"))
	if err := g.StopChild(0); !errors.Is(err, ErrInvalidChildID) {
		t.Fatalf("stop child error = %v, want ErrInvalidChildID", err)
	}
	if err := g.KillChild(-1); !errors.Is(err, ErrInvalidChildID) {
		t.Fatalf("kill child error = %v, want ErrInvalidChildID", err)
	}
	if err := g.SignalChild(3, unix.SIGHUP); !errors.Is(err, ErrInvalidChildID) {
		t.Fatalf("signal child error = %v, want ErrInvalidChildID", err)
	}
	if err := g.RestartChild(1); !errors.Is(err, ErrInvalidChildID) {
		t.Fatalf("restart child error = %v, want ErrInvalidChildID", err)
	}
}

func TestTerminalGroupIsFixedPoint(t *testing.T) {
	spec := shSpec(t, "fixed", "exit 0")
	spec.AutoRestart = RestartNever
	g := New(spec)

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	monitorUntil(t, g, 2*time.Second, "exit", g.AllExited)

	before := g.Status()
	for i := 0; i < 3; i++ {
		if err := g.MonitorChildren(); err != nil {
			t.Fatalf("monitor children: %v", err)
		}
	}
	after := g.Status()
	for i := range before {
		if before[i].State != after[i].State || before[i].Retries != after[i].Retries {
			t.Fatalf("terminal group moved: before=%+v after=%+v", before[i], after[i])
		}
	}
	if !g.AllExited() {
		t.Fatal("all_exited must hold forever for a never-restart group")
	}
}

func TestEventsAreEmittedOnTransitions(t *testing.T) {
	events := make(chan Event, 64)
	spec := shSpec(t, "evt", "exit 1")
	spec.StartRetries = 1
	spec.BackoffDelay = 10 * time.Millisecond
	g := New(spec, WithEvents(events))

	if err := g.SpawnChildren(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	monitorUntil(t, g, 5*time.Second, "fatal", g.HasFatalProcesses)

	seen := map[EventType]bool{}
	for {
		select {
		case ev := <-events:
			if ev.Group != "evt" {
				t.Fatalf("event group = %q, want evt", ev.Group)
			}
			seen[ev.Type] = true
			continue
		default:
		}
		break
	}
	for _, want := range []EventType{EventTypeStarting, EventTypeExited, EventTypeBackoff, EventTypeFatal} {
		if !seen[want] {
			t.Fatalf("missing %s event; saw %v", want, seen)
		}
	}
}
