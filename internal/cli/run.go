package cli

import (
	stdcontext "context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tmheath/warden/internal/config"
	"github.com/tmheath/warden/internal/engine"
	"github.com/tmheath/warden/internal/metrics"
	"github.com/tmheath/warden/internal/tui"
)

const (
	// monitorInterval is the poll cadence; the core's timing policy is
	// second-granularity, so tens of milliseconds is plenty.
	monitorInterval = 50 * time.Millisecond

	drainTimeout = 10 * time.Second
)

func newRunCmd(ctx *context) *cobra.Command {
	var metricsAddr string
	var useTUI bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Spawn all autostart programs and supervise them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*ctx.manifest)
			if err != nil {
				return err
			}
			return runSupervisor(cmd.Context(), cfg, metricsAddr, useTUI)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Render an interactive status table")
	return cmd
}

func runSupervisor(ctx stdcontext.Context, cfg *config.Config, metricsAddr string, useTUI bool) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	events := make(chan engine.Event, 256)

	baseEnv := os.Environ()
	var groups []*engine.Group
	for _, name := range cfg.ProgramsSorted() {
		spec, err := cfg.GroupSpec(name, baseEnv)
		if err != nil {
			return err
		}
		if !spec.AutoStart {
			continue
		}
		groups = append(groups, engine.New(spec, engine.WithEvents(events)))
	}
	if len(groups) == 0 {
		return fmt.Errorf("manifest defines no autostart programs")
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	runCtx, cancel := stdcontext.WithCancel(ctx)
	defer cancel()

	var ui *tui.UI
	if useTUI && term.IsTerminal(int(os.Stdout.Fd())) {
		ui = tui.New()
		go func() {
			defer cancel()
			if err := ui.Run(); err != nil {
				logger.Error("tui failed", "error", err)
			}
		}()
		defer ui.Stop()
	}

	for _, g := range groups {
		if err := g.SpawnChildren(); err != nil {
			return fmt.Errorf("spawn %s: %w", g.Name(), err)
		}
		logger.Info("program spawned", "program", g.Name(), "numprocs", g.Spec().NumProcs)
	}

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return shutdown(groups, events, logger)
		case ev := <-events:
			logEvent(logger, ev)
		case <-ticker.C:
			for _, g := range groups {
				if err := g.MonitorChildren(); err != nil {
					logger.Error("monitor failed", "program", g.Name(), "error", err)
				}
			}
			publish(groups, ui)
		}
	}
}

// shutdown stops every group and keeps pumping the monitor until no
// child holds a live pid or the drain deadline passes.
func shutdown(groups []*engine.Group, events <-chan engine.Event, logger *slog.Logger) error {
	logger.Info("shutting down")
	for _, g := range groups {
		if err := g.StopChildren(); err != nil {
			logger.Error("stop failed", "program", g.Name(), "error", err)
		}
	}

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		done := true
		for _, g := range groups {
			if err := g.MonitorChildren(); err != nil {
				logger.Error("monitor failed", "program", g.Name(), "error", err)
			}
			// A group is drained once no child holds a pid; a replica
			// parked in backoff when the stop arrived settles at
			// stopped, not exited.
			if g.AliveCount() > 0 {
				done = false
			}
		}
		drainEvents(events, logger)
		publish(groups, nil)
		if done {
			for _, g := range groups {
				metrics.ResetProgram(g.Name())
			}
			logger.Info("all programs stopped")
			return nil
		}
		time.Sleep(monitorInterval)
	}
	return fmt.Errorf("shutdown timed out with children still alive")
}

func drainEvents(events <-chan engine.Event, logger *slog.Logger) {
	for {
		select {
		case ev := <-events:
			logEvent(logger, ev)
		default:
			return
		}
	}
}

func logEvent(logger *slog.Logger, ev engine.Event) {
	attrs := []any{"program", ev.Group, "child", ev.Child}
	if ev.Pid > 0 {
		attrs = append(attrs, "pid", ev.Pid)
	}
	attrs = append(attrs, "detail", ev.Message)

	switch ev.Type {
	case engine.EventTypeFatal:
		logger.Error(string(ev.Type), attrs...)
	case engine.EventTypeKilled, engine.EventTypeBackoff:
		logger.Warn(string(ev.Type), attrs...)
	default:
		logger.Info(string(ev.Type), attrs...)
	}

	if ev.Type == engine.EventTypeBackoff {
		metrics.IncrementChildRestart(ev.Group)
	}
}

func publish(groups []*engine.Group, ui *tui.UI) {
	var rows []tui.Row
	for _, g := range groups {
		metrics.SetChildrenRunning(g.Name(), g.RunningCount())
		metrics.SetGroupState(g.Name(), int(g.State()))
		if ui == nil {
			continue
		}
		for _, st := range g.Status() {
			rows = append(rows, tui.Row{
				Program: g.Name(),
				Child:   st.ID,
				Pid:     st.Pid,
				State:   st.State.String(),
				Retries: st.Retries,
				Uptime:  st.Uptime,
			})
		}
	}
	if ui != nil {
		ui.Update(rows)
	}
}
