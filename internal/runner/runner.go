// Package runner executes the install and test commands of a generation
// attempt as shell subprocesses.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rendis/codeloop/pkg/schema"
)

const (
	// DefaultTimeout bounds every command.
	DefaultTimeout       = 300 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
	waitDelay            = 5 * time.Second
)

// Result is the captured outcome of one command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Killed   bool          `json:"killed"`
	Duration time.Duration `json:"duration"`
}

// Runner runs shell command lines.
type Runner interface {
	Run(ctx context.Context, command string) (Result, error)
}

// Shell runs command lines through the platform shell.
type Shell struct {
	Dir           string
	Env           map[string]string
	Timeout       time.Duration
	MaxOutputSize int64
	// WaitDelay bounds how long output pipes held by leftover child
	// processes are drained after the command exits.
	WaitDelay time.Duration
}

var _ Runner = (*Shell)(nil)

// DirRunner is a Runner that can be rebound to a working directory.
type DirRunner interface {
	Runner
	InDir(dir string) Runner
}

// InDir returns a copy of s running commands in dir.
func (s *Shell) InDir(dir string) Runner {
	c := *s
	c.Dir = dir
	return &c
}

// In binds r to dir when it supports it and returns r unchanged otherwise.
func In(r Runner, dir string) Runner {
	if d, ok := r.(DirRunner); ok && dir != "" {
		return d.InDir(dir)
	}
	return r
}

// Run executes command and captures its output. A non-zero exit status is
// reported in the Result, not as an error; errors mean the command could not
// be started at all. A command killed by the timeout has Killed set, and one
// whose children hold the output open past WaitDelay fails with a note in
// Stderr.
func (s *Shell) Run(ctx context.Context, command string) (Result, error) {
	if command == "" {
		return Result{}, schema.NewError(schema.ErrCodeValidation, "runner: empty command")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := s.MaxOutputSize
	if limit <= 0 {
		limit = defaultMaxOutputSize
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := shellCommand(execCtx, command)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range s.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = waitDelay
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: limit}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: limit}

	start := time.Now()
	runErr := cmd.Run()
	res := Result{Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			res.Killed = true
		}
	case errors.Is(runErr, exec.ErrWaitDelay):
		// The shell exited but a child kept its output open; the output may be cut.
		res.ExitCode = -1
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() > 0 {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
	default:
		return res, schema.NewErrorf(schema.ErrCodeExecution, "runner: %v", runErr).WithCause(runErr)
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	switch {
	case res.Killed && res.Stderr == "":
		res.Stderr = "command timed out after " + timeout.String()
	case errors.Is(runErr, exec.ErrWaitDelay):
		if res.Stderr != "" && !strings.HasSuffix(res.Stderr, "\n") {
			res.Stderr += "\n"
		}
		res.Stderr += "output still open " + cmd.WaitDelay.String() + " after exit"
	}
	return res, nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}

// limitedWriter discards bytes beyond limit. Write always reports the full
// len(p) so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
