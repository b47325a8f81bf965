package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rendis/codeloop/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls int
	res   runner.Result
	err   error
}

func (f *fakeRunner) Run(context.Context, string) (runner.Result, error) {
	f.calls++
	return f.res, f.err
}

func TestBeeper_UsesCommand(t *testing.T) {
	r := &fakeRunner{}
	var out bytes.Buffer
	b := &Beeper{Runner: r, Command: "beep", Out: &out}

	require.NoError(t, b.Notify(context.Background()))
	assert.Equal(t, 3, r.calls)
	assert.Empty(t, out.String())
}

func TestBeeper_FallsBackToBell(t *testing.T) {
	r := &fakeRunner{err: errors.New("beep: not found")}
	var out bytes.Buffer
	b := &Beeper{Runner: r, Command: "beep", Out: &out, Times: 2}

	require.NoError(t, b.Notify(context.Background()))
	assert.Equal(t, "\a\a", out.String())
}

func TestBeeper_NothingAvailable(t *testing.T) {
	b := &Beeper{Runner: &fakeRunner{res: runner.Result{ExitCode: 1}}, Command: "beep", Times: 1}
	assert.Error(t, b.Notify(context.Background()))
}

func TestBeepCommand(t *testing.T) {
	assert.Contains(t, beepCommand("linux"), "beep")
	assert.Contains(t, beepCommand("darwin"), "afplay")
	assert.Equal(t, "", beepCommand("plan9"))
}
