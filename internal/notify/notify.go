// Package notify signals run completion to the operator.
package notify

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/rendis/codeloop/internal/runner"
)

// Notifier emits a completion signal.
type Notifier interface {
	Notify(ctx context.Context) error
}

// Beeper sounds the platform beep Times times, falling back to the terminal
// bell on Out when the platform command fails. An empty Command selects the
// platform default.
type Beeper struct {
	Runner  runner.Runner
	Command string
	Out     io.Writer
	Times   int
	Gap     time.Duration
}

var _ Notifier = (*Beeper)(nil)

// Notify beeps. Errors are only reported when both the command and the
// terminal bell fail.
func (b *Beeper) Notify(ctx context.Context) error {
	times := b.Times
	if times <= 0 {
		times = 3
	}
	cmd := b.Command
	if cmd == "" {
		cmd = beepCommand(runtime.GOOS)
	}
	var lastErr error
	for i := 0; i < times; i++ {
		if i > 0 && b.Gap > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Gap):
			}
		}
		lastErr = b.beep(ctx, cmd)
	}
	return lastErr
}

func (b *Beeper) beep(ctx context.Context, cmd string) error {
	if b.Runner != nil && cmd != "" {
		res, err := b.Runner.Run(ctx, cmd)
		if err == nil && res.ExitCode == 0 {
			return nil
		}
	}
	if b.Out == nil {
		return fmt.Errorf("notify: no beep command and no terminal")
	}
	_, err := io.WriteString(b.Out, "\a")
	return err
}

func beepCommand(goos string) string {
	switch goos {
	case "linux":
		return "beep -f 1000 -l 500"
	case "darwin":
		return "afplay /System/Library/Sounds/Ping.aiff"
	case "windows":
		return "powershell -NoProfile -Command [console]::beep(1000,500)"
	}
	return ""
}
