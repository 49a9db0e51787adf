// Package config loads and validates warden program manifests. The
// manifest is the supervisor-layer surface; the supervision core itself
// consumes only the resolved engine.Spec this package produces.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tmheath/warden/internal/engine"
	"github.com/tmheath/warden/internal/proc"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Config mirrors the warden.yaml document structure.
type Config struct {
	Programs map[string]*ProgramSpec `yaml:"programs"`
}

// ProgramSpec describes one supervised program group.
type ProgramSpec struct {
	Command        []string          `yaml:"command"`
	Env            map[string]string `yaml:"env"`
	WorkingDir     string            `yaml:"workingdir"`
	Stdout         string            `yaml:"stdout"`
	Stderr         string            `yaml:"stderr"`
	RedirectStdout *bool             `yaml:"redirectStdout"`
	RedirectStderr *bool             `yaml:"redirectStderr"`
	Umask          string            `yaml:"umask"`
	NumProcs       int               `yaml:"numprocs"`
	AutoStart      *bool             `yaml:"autostart"`
	AutoRestart    string            `yaml:"autorestart"`
	ExitCodes      []int             `yaml:"exitcodes"`
	StartRetries   int               `yaml:"startretries"`
	StartTime      Duration          `yaml:"starttime"`
	StartSecs      Duration          `yaml:"startsecs"`
	Backoff        Duration          `yaml:"backoff"`
	StopSignal     string            `yaml:"stopsignal"`
	StopTime       Duration          `yaml:"stoptime"`
}

// ApplyDefaults fills unset program fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	for _, p := range c.Programs {
		if p == nil {
			continue
		}
		if p.NumProcs == 0 {
			p.NumProcs = 1
		}
		if p.AutoStart == nil {
			v := true
			p.AutoStart = &v
		}
		if p.AutoRestart == "" {
			p.AutoRestart = string(engine.RestartUnexpected)
		}
		if p.ExitCodes == nil {
			p.ExitCodes = []int{0}
		}
		if !p.StartSecs.IsSet() {
			p.StartSecs = Duration{Duration: time.Second}
		}
		if !p.Backoff.IsSet() {
			p.Backoff = Duration{Duration: time.Second}
		}
		if p.StopSignal == "" {
			p.StopSignal = "TERM"
		}
	}
}

// Validate enforces manifest invariants, reporting the offending field by
// path.
func (c *Config) Validate() error {
	if len(c.Programs) == 0 {
		return fmt.Errorf("%s: must define at least one program", fieldPath("programs"))
	}
	for name, p := range c.Programs {
		if p == nil {
			return fmt.Errorf("%s: program entry is null", programField(name))
		}
		if len(p.Command) == 0 {
			return fmt.Errorf("%s: must contain at least one entry", programField(name, "command"))
		}
		if strings.TrimSpace(p.Command[0]) == "" {
			return fmt.Errorf("%s: executable must be non-empty", programField(name, "command"))
		}
		if p.NumProcs < 1 {
			return fmt.Errorf("%s: must be at least 1", programField(name, "numprocs"))
		}
		switch engine.RestartPolicy(p.AutoRestart) {
		case engine.RestartAlways, engine.RestartNever, engine.RestartUnexpected:
		default:
			return fmt.Errorf("%s: invalid value %q (expected one of: always, never, unexpected)",
				programField(name, "autorestart"), p.AutoRestart)
		}
		if p.StartRetries < 0 {
			return fmt.Errorf("%s: must be non-negative", programField(name, "startretries"))
		}
		for _, d := range []struct {
			field string
			value Duration
		}{
			{"starttime", p.StartTime},
			{"startsecs", p.StartSecs},
			{"backoff", p.Backoff},
			{"stoptime", p.StopTime},
		} {
			if d.value.Duration < 0 {
				return fmt.Errorf("%s: must be non-negative", programField(name, d.field))
			}
		}
		if p.Umask != "" {
			if _, err := parseUmask(p.Umask); err != nil {
				return fmt.Errorf("%s: %w", programField(name, "umask"), err)
			}
		}
		if _, err := signalFromName(p.StopSignal); err != nil {
			return fmt.Errorf("%s: %w", programField(name, "stopsignal"), err)
		}
	}
	return nil
}

// GroupSpec resolves the named program into the core's spawn recipe. The
// base environment is layered under the manifest's env map.
func (c *Config) GroupSpec(name string, baseEnv []string) (engine.Spec, error) {
	p, ok := c.Programs[name]
	if !ok || p == nil {
		return engine.Spec{}, fmt.Errorf("unknown program %q", name)
	}

	spec := engine.DefaultSpec()
	spec.Name = name
	spec.Command = p.Command[0]
	spec.Argv = append([]string(nil), p.Command...)
	spec.Env = proc.MergeEnv(baseEnv, p.Env)
	spec.WorkingDir = p.WorkingDir
	spec.StdoutPath = p.Stdout
	spec.StderrPath = p.Stderr
	if p.RedirectStdout != nil {
		spec.RedirectStdout = *p.RedirectStdout
	}
	if p.RedirectStderr != nil {
		spec.RedirectStderr = *p.RedirectStderr
	}
	if p.Umask != "" {
		mask, err := parseUmask(p.Umask)
		if err != nil {
			return engine.Spec{}, fmt.Errorf("%s: %w", programField(name, "umask"), err)
		}
		spec.Umask = &mask
	}
	spec.NumProcs = p.NumProcs
	spec.StartRetries = p.StartRetries
	spec.StartTime = p.StartTime.Duration
	spec.StartSecs = p.StartSecs.Duration
	if p.AutoStart != nil {
		spec.AutoStart = *p.AutoStart
	}
	spec.AutoRestart = engine.RestartPolicy(p.AutoRestart)
	spec.ExitCodes = append([]int(nil), p.ExitCodes...)
	spec.BackoffDelay = p.Backoff.Duration
	sig, err := signalFromName(p.StopSignal)
	if err != nil {
		return engine.Spec{}, fmt.Errorf("%s: %w", programField(name, "stopsignal"), err)
	}
	spec.StopSignal = sig
	spec.StopTimeout = p.StopTime.Duration
	return spec, nil
}

// ProgramsSorted returns program names sorted alphabetically.
func (c *Config) ProgramsSorted() []string {
	out := make([]string, 0, len(c.Programs))
	for name := range c.Programs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// parseUmask reads a supervisord-style octal mask such as "022".
func parseUmask(s string) (uint16, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0O")
	mask, err := strconv.ParseUint(trimmed, 8, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid octal umask %q", s)
	}
	if mask > 0o777 {
		return 0, fmt.Errorf("umask %q out of range", s)
	}
	return uint16(mask), nil
}

// signalFromName resolves a symbolic signal name, with or without the SIG
// prefix.
func signalFromName(name string) (unix.Signal, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig := unix.SignalNum(upper)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func programField(program string, parts ...string) string {
	pathParts := append([]string{"programs", program}, parts...)
	return fieldPath(pathParts...)
}
