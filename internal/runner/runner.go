// Package runner starts a single external process and tracks it until it
// exits or is terminated.
package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)

// LineFunc receives the output of the process line by line.
type LineFunc func(ctx context.Context, line string)

type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	// Stdout receives the standard output. The output is discarded when it
	// is nil.
	Stdout LineFunc
	// WaitDelay bounds how long output is collected after the process
	// exited or was killed.
	WaitDelay time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Dir     string
	PID     int
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// Runner runs one process at a time.
type Runner struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	result Result
	done   chan struct{}
}

func NewRunner() *Runner {
	done := make(chan struct{})
	close(done)
	return &Runner{
		result: Result{Err: ErrNotStarted},
		done:   done,
	}
}

// Start runs the process in a process group of its own and returns without
// waiting for it. The process environment is the current one extended by
// proto.Env. When ctx is cancelled the group gets SIGTERM and the process is
// killed once proto.WaitDelay has passed; without a WaitDelay the group is
// killed right away.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Dir:  proto.Dir,
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = append(os.Environ(), proto.Env...)
	cmd.Dir = proto.Dir
	cmd.WaitDelay = proto.WaitDelay
	setGroup(cmd)
	cmd.Cancel = func() error {
		sig := syscall.SIGKILL
		if proto.WaitDelay > 0 {
			sig = syscall.SIGTERM
		}
		return signalGroup(cmd.Process.Pid, sig)
	}

	var stdout, stderr *lineWriter
	if proto.Stdout != nil {
		stdout = &lineWriter{ctx: ctx, fn: proto.Stdout}
		cmd.Stdout = stdout
	}
	if stderrFunc != nil {
		stderr = &lineWriter{ctx: ctx, fn: stderrFunc}
		cmd.Stderr = stderr
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.result.PID = cmd.Process.Pid
	r.cmd = cmd
	r.done = make(chan struct{})

	go r.wait(cmd, stdout, stderr, r.done)
	return nil
}

func (r *Runner) wait(cmd *exec.Cmd, stdout, stderr *lineWriter, done chan struct{}) {
	err := cmd.Wait()
	stdout.flush()
	stderr.flush()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	close(done)
}

// Done returns a channel closed once the current process has exited. For a
// runner that is not running the channel is already closed.
func (r *Runner) Done() <-chan struct{} {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.done
}

func (r *Runner) Exited() bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

// Terminate sends SIGTERM to the process group and kills the group when the
// process is still running after grace. Processes of the group that outlive
// the process itself are killed too. It returns once the process is gone or
// ctx is done.
func (r *Runner) Terminate(ctx context.Context, grace time.Duration) error {
	r.mx.RLock()
	cmd, done := r.cmd, r.done
	r.mx.RUnlock()
	if cmd == nil {
		return nil
	}
	pid := cmd.Process.Pid

	if err := signalGroup(pid, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.DebugContext(ctx, "SIGTERM failed, killing", "pid", pid, "error", err)
		grace = 0
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		_ = signalGroup(pid, syscall.SIGKILL)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	slog.WarnContext(ctx, "process ignored SIGTERM, killing", "pid", pid, "grace", grace)
	if err := signalGroup(pid, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the last result, with ErrNotStarted or ErrInProgress
// while there is none.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd != nil {
		res := r.result
		res.Err = ErrInProgress
		return res
	}
	return r.result
}

// maxLine bounds the bytes kept for a line without a newline.
const maxLine = 64 << 10

// lineWriter splits the output into lines.
type lineWriter struct {
	ctx context.Context
	fn  LineFunc
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(w.ctx, string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLine {
		w.flush()
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w != nil && len(w.buf) > 0 {
		w.fn(w.ctx, string(w.buf))
		w.buf = nil
	}
}
