// Package metrics exposes lifecycle metrics for supervised program
// groups. The supervision core never touches this package; the run loop
// feeds it from group snapshots and events.
package metrics

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	childrenRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "children_running",
		Help:      "Number of children of each program currently past their start gate.",
	}, []string{"program"})

	childRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "child_restarts_total",
		Help:      "Total number of restart attempts charged across each program's children.",
	}, []string{"program"})

	groupState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "group_state",
		Help:      "Group state discriminant (0=stopped 1=starting 2=running 3=stopping 4=fatal).",
	}, []string{"program"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "build_info",
		Help:      "Build metadata for the running warden binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(childrenRunning, childRestarts, groupState, buildInfo)
}

// Registry returns the Prometheus registry containing all warden metrics.
func Registry() *prometheus.Registry {
	return registry
}

// Handler returns an HTTP handler serving the warden registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetChildrenRunning records how many of a program's children are running.
func SetChildrenRunning(program string, n int) {
	if program == "" {
		return
	}
	childrenRunning.WithLabelValues(program).Set(float64(n))
}

// IncrementChildRestart charges one restart attempt against a program.
func IncrementChildRestart(program string) {
	if program == "" {
		return
	}
	childRestarts.WithLabelValues(program).Inc()
}

// SetGroupState publishes the group state discriminant for a program.
func SetGroupState(program string, state int) {
	if program == "" {
		return
	}
	groupState.WithLabelValues(program).Set(float64(state))
}

// ResetProgram clears all gauges for a program that was torn down.
func ResetProgram(program string) {
	if program == "" {
		return
	}
	childrenRunning.DeleteLabelValues(program)
	childRestarts.DeleteLabelValues(program)
	groupState.DeleteLabelValues(program)
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
