package shim

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fly-io/stagehand/pkg/errors"
)

// Target is the version a launch runs.
type Target struct {
	Version string
	Dir     string
	Args    []string
}

// Process is a started version.
type Process interface {
	PID() int
	// Wait blocks until the process exits and returns its exit code. It may
	// be called once.
	Wait() (int, error)
	Signal(sig os.Signal) error
	Kill() error
}

// Runnable starts a resolved version with extra environment.
type Runnable interface {
	Start(ctx context.Context, env []string) (Process, error)
}

// Resolver maps a version to something the shim can start.
type Resolver interface {
	Resolve(ctx context.Context, target Target) (Runnable, error)
}

// ExecResolver runs <dir>/<Entrypoint> as a child process with the shim's
// stdio.
type ExecResolver struct {
	Entrypoint string
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

func (r *ExecResolver) Resolve(ctx context.Context, target Target) (Runnable, error) {
	path := filepath.Join(target.Dir, r.Entrypoint)
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "entrypoint not found")
	}
	if info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return nil, fmt.Errorf("entrypoint %s is not executable", path)
	}
	return &execRunnable{path: path, args: target.Args, r: r}, nil
}

type execRunnable struct {
	path string
	args []string
	r    *ExecResolver
}

func (e *execRunnable) Start(ctx context.Context, env []string) (Process, error) {
	cmd := exec.Command(e.path, e.args...)
	cmd.Dir = filepath.Dir(e.path)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = e.r.Stdin, e.r.Stdout, e.r.Stderr
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start version")
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

// Func is an in-process entry point. It must return once ctx is cancelled.
type Func func(ctx context.Context, target Target, env []string) int

// FuncResolver dispatches versions to in-process functions, for tests and
// hosts that embed their versions.
type FuncResolver map[string]Func

func (r FuncResolver) Resolve(ctx context.Context, target Target) (Runnable, error) {
	fn, ok := r[target.Version]
	if !ok {
		return nil, fmt.Errorf("no entry point for version %s", target.Version)
	}
	return &funcRunnable{fn: fn, target: target}, nil
}

type funcRunnable struct {
	fn     Func
	target Target
}

func (f *funcRunnable) Start(ctx context.Context, env []string) (Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &funcProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.code = f.fn(ctx, f.target, env)
	}()
	return p, nil
}

type funcProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	code   int
}

func (p *funcProcess) PID() int { return os.Getpid() }

func (p *funcProcess) Wait() (int, error) {
	<-p.done
	p.cancel()
	return p.code, nil
}

func (p *funcProcess) Signal(os.Signal) error {
	p.cancel()
	return nil
}

func (p *funcProcess) Kill() error {
	p.cancel()
	return nil
}
