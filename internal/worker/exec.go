package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/cancelbus"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// execResult is the raw outcome of a subprocess run, before artifact
// rewriting (spec §4.10 "Execution").
type execResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exitCode"`
	Pid             int    `json:"-"`
	StdoutTruncated bool   `json:"stdoutTruncated,omitempty"`
	StderrTruncated bool   `json:"stderrTruncated,omitempty"`
}

// execOptions configures one subprocess run.
type execOptions struct {
	Dir            string
	Command        string
	Args           []string
	Stdin          string
	Env            map[string]string
	Secrets        map[string]string
	Workspace      string
	Timeout        time.Duration
	DeniedCommands []string

	// JobID and Cancel, when both set, register the child's PID with the
	// cancel bus so RequestJobCancel can SIGTERM/SIGKILL it mid-run (spec
	// §4.3).
	JobID  string
	Cancel *cancelbus.Bus
}

// boundedWriter caps how much of a stream is retained, matching spec §4.10
// ("stdout/stderr capture bounded at 10 MiB per stream with truncation
// flags").
type boundedWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedWriter(limit int) *boundedWriter {
	return &boundedWriter{limit: limit}
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(p)
	if remaining := w.limit - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
			w.truncated = true
		}
		w.buf.Write(p)
	} else if len(p) > 0 {
		w.truncated = true
	}
	return n, nil
}

func (w *boundedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *boundedWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}

// matchesDenylist reports whether the command line contains any denied
// substring, case-insensitively (spec §4.10: "any _deniedCommands denylist
// enforced by post-pattern matching").
func matchesDenylist(command string, args []string, denied []string) bool {
	line := strings.ToLower(command + " " + strings.Join(args, " "))
	for _, d := range denied {
		if d == "" {
			continue
		}
		if strings.Contains(line, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

// run spawns opts.Command, bounds its lifetime to opts.Timeout, captures
// stdout/stderr bounded at keyspace.StdoutCaptureLimit, and escalates a
// cancellation to SIGTERM then SIGKILL after keyspace.KillGraceWindow (spec
// §4.10, §4.3).
func run(ctx context.Context, opts execOptions) (*execResult, error) {
	if matchesDenylist(opts.Command, opts.Args, opts.DeniedCommands) {
		return nil, &broker.PermanentError{Err: fmt.Errorf("worker: command %q is denied", opts.Command)}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = keyspace.DefaultExecTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = keyspace.KillGraceWindow

	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}
	stdout := newBoundedWriter(keyspace.StdoutCaptureLimit)
	stderr := newBoundedWriter(keyspace.StdoutCaptureLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start %q: %w", opts.Command, err)
	}

	if opts.JobID != "" && opts.Cancel != nil {
		_ = opts.Cancel.RegisterPID(ctx, opts.JobID, cmd.Process.Pid)
		defer opts.Cancel.UnregisterPID(context.Background(), opts.JobID)
	}

	err := cmd.Wait()
	result := &execResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		Pid:             cmd.Process.Pid,
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("worker: run %q: %w", opts.Command, err)
	}
	return result, nil
}

// buildEnv inherits the worker process's own environment (spec §4.10:
// "spawn a child with inherited + per-language command") plus job-supplied
// overrides, vault secrets, and WORKSPACE_DIR.
func buildEnv(opts execOptions) []string {
	out := os.Environ()
	add := func(k, v string) { out = append(out, k+"="+v) }
	for k, v := range opts.Env {
		add(k, v)
	}
	for k, v := range opts.Secrets {
		add(k, v)
	}
	add("WORKSPACE_DIR", opts.Workspace)
	return out
}
