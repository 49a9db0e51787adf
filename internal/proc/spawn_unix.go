//go:build !windows

package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// Start spawns the child described by params. Valid only from Stopped.
//
// The runtime's fork/exec already carries exec failures back to the
// parent over a close-on-exec pipe, so a child that cannot complete its
// setup is observed here rather than via a later reap. To keep the state
// machine uniform, any spawn-phase failure lands the child in Exited with
// FailedStart set and exit code 1, the same disposition a fast-dying
// child would produce, and Start itself returns nil. Only state misuse
// is an error.
func (p *Process) Start(params StartParams) error {
	if p.state != StateStopped {
		return fmt.Errorf("start child %d in state %s: %w", p.id, p.state, ErrInvalidState)
	}
	p.clearExit()

	files, release, err := openStreams(params)
	if err != nil {
		p.markSpawnFailure()
		return nil
	}
	defer release()

	dir := params.WorkingDir
	if dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			dir = ""
		}
	}

	if params.Umask != nil {
		// The owner serializes operations on a Process, so the
		// process-wide mask is only widened for the duration of this
		// call.
		old := unix.Umask(int(*params.Umask))
		defer unix.Umask(old)
	}

	attr := &os.ProcAttr{
		Dir:   dir,
		Env:   params.Env,
		Files: files,
		Sys:   &syscall.SysProcAttr{Setpgid: true},
	}

	child, err := os.StartProcess(params.Path, params.Argv, attr)
	if err != nil {
		p.markSpawnFailure()
		return nil
	}

	p.pid = child.Pid
	_ = child.Release()

	now := p.clock.Now()
	p.state = StateStarting
	p.startTime = now
	p.gateStarted = now
	return nil
}

func (p *Process) markSpawnFailure() {
	p.failedStart = true
	p.exitCode = 1
	p.hasExitCode = true
	p.state = StateExited
}

// openStreams assembles the child's first three descriptors: stdin always
// from the null device, stdout/stderr redirected per params. The release
// func closes only files opened here, never the parent's own streams.
func openStreams(params StartParams) ([]*os.File, func(), error) {
	var opened []*os.File
	release := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	stdin, err := os.Open(os.DevNull)
	if err != nil {
		return nil, nil, err
	}
	opened = append(opened, stdin)

	stdout, err := openOutput(params.StdoutPath, params.RedirectStdout, os.Stdout, &opened)
	if err != nil {
		release()
		return nil, nil, err
	}
	stderr, err := openOutput(params.StderrPath, params.RedirectStderr, os.Stderr, &opened)
	if err != nil {
		release()
		return nil, nil, err
	}

	return []*os.File{stdin, stdout, stderr}, release, nil
}

func openOutput(path string, redirect bool, parent *os.File, opened *[]*os.File) (*os.File, error) {
	if !redirect {
		return parent, nil
	}
	if path == "" {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, err
		}
		*opened = append(*opened, f)
		return f, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		// Best effort; open reports the real failure.
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	*opened = append(*opened, f)
	return f, nil
}
