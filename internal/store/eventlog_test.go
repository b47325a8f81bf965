package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/codeloop/internal/graph"
	"github.com/rendis/codeloop/internal/logging"
	"github.com/rendis/codeloop/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	r := seedRun(t, s, "p")

	for i := 0; i < 5; i++ {
		e := &Event{RunID: r.ID, Step: "s1", Type: schema.EventStepStarted}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
		assert.NotZero(t, e.ID)
	}
}

func TestEventLog_SequencesArePerRun(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	r1 := seedRun(t, s, "one")
	r2 := seedRun(t, s, "two")

	e1 := &Event{RunID: r1.ID, Type: schema.EventRunStarted}
	e2 := &Event{RunID: r2.ID, Type: schema.EventRunStarted}
	require.NoError(t, el.AppendEvent(ctx, e1))
	require.NoError(t, el.AppendEvent(ctx, e2))
	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, int64(1), e2.Sequence)
}

func TestEventLog_GetEvents_Since(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	r := seedRun(t, s, "p")

	for _, et := range []string{schema.EventStepStarted, schema.EventStepCompleted, schema.EventStepFailed} {
		require.NoError(t, el.AppendEvent(ctx, &Event{RunID: r.ID, Step: "s1", Type: et}))
	}

	all, err := el.GetEvents(ctx, r.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, schema.EventStepStarted, all[0].Type)

	tail, err := el.GetEvents(ctx, r.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventStepFailed, tail[0].Type)
}

func TestEventLog_ConcurrentAppend(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	r := seedRun(t, s, "p")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- el.AppendEvent(ctx, &Event{RunID: r.ID, Step: "fan", Type: schema.EventStepStarted})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := el.GetEvents(ctx, r.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_Replay(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	r := seedRun(t, s, "p")

	appendAll := func(events ...*Event) {
		for _, e := range events {
			e.RunID = r.ID
			require.NoError(t, el.AppendEvent(ctx, e))
		}
	}
	appendAll(
		&Event{Phase: "execution", Type: schema.EventPhaseStarted},
		&Event{Phase: "execution", Step: "action_code", Type: schema.EventStepStarted},
		&Event{Phase: "execution", Step: "action_code", Type: schema.EventStepCompleted, Payload: []byte(`{"elapsed_ms":40}`)},
		&Event{Phase: "execution", Step: "realize_requirements", Type: schema.EventStepDeferred},
		&Event{Phase: "execution", Step: "realize_requirements", Type: schema.EventStepStarted},
		&Event{Phase: "execution", Step: "realize_requirements", Type: schema.EventStepRetrying},
		&Event{Phase: "execution", Step: "realize_requirements", Type: schema.EventStepFailed, Payload: []byte(`{"elapsed_ms":5,"code":"EXTRA_TAG_ERROR"}`)},
		&Event{Phase: "execution", Step: "action_code", Type: schema.EventStepStarted},
		&Event{Phase: "execution", Step: "action_code", Type: schema.EventStepCompleted, Payload: []byte(`{"elapsed_ms":60}`)},
		&Event{Phase: "execution", Step: "is_regen_code", Type: schema.EventRouteEvaluated},
	)

	steps, err := el.Replay(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	action := steps[0]
	assert.Equal(t, "action_code", action.Step)
	assert.Equal(t, StepCompleted, action.Status)
	assert.Equal(t, 2, action.Runs)
	assert.Equal(t, int64(100), action.DurationMs)

	realize := steps[1]
	assert.Equal(t, StepFailed, realize.Status)
	assert.Equal(t, 1, realize.Retries)
	assert.Equal(t, 1, realize.Failures)
	assert.Contains(t, string(realize.LastError), "EXTRA_TAG_ERROR")
}

func TestEventLog_Replay_Empty(t *testing.T) {
	el, s := newTestEventLog(t)
	r := seedRun(t, s, "p")
	steps, err := el.Replay(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestEventLog_Replay_SequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	r := seedRun(t, s, "p")
	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: r.ID, Step: "a", Type: schema.EventStepStarted}))

	_, err := s.DB().Exec(`INSERT INTO events (run_id, step, event_type, timestamp, sequence) VALUES (?, 'a', ?, ?, 5)`,
		r.ID, schema.EventStepCompleted, time.Now().UTC())
	require.NoError(t, err)

	_, err = el.Replay(ctx, r.ID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestRecorder_WritesStepEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	r := seedRun(t, s, "p")
	rec := NewRecorder(el, nil)
	ctx := logging.WithRunID(context.Background(), r.ID)

	rec.StepStarted(ctx, "wrapup", "send_mail", 1)
	rec.StepFinished(ctx, "wrapup", "send_mail", 12*time.Millisecond, nil)
	rec.StepStarted(ctx, "wrapup", "end_bell", 1)
	rec.StepRetrying(ctx, "wrapup", "end_bell", 1, time.Second, errors.New("busy"))
	rec.StepFinished(ctx, "wrapup", "end_bell", time.Millisecond, schema.NewError(schema.ErrCodeExecution, "no speaker"))
	rec.Routed(ctx, "wrapup", "send_mail", graph.KeyTrue, "end_bell")
	rec.RunEvent(ctx, "wrapup", schema.EventPhaseCompleted, map[string]any{"ok": true})

	events, err := el.GetEvents(context.Background(), r.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 7)
	assert.Equal(t, "wrapup", events[0].Phase)
	assert.Equal(t, schema.EventStepCompleted, events[1].Type)
	assert.JSONEq(t, `{"elapsed_ms":12}`, string(events[1].Payload))
	assert.Equal(t, schema.EventStepFailed, events[4].Type)
	assert.Contains(t, string(events[4].Payload), `"code":"EXECUTION_ERROR"`)
	assert.Equal(t, schema.EventRouteEvaluated, events[5].Type)
	assert.Empty(t, events[6].Step)
}

func TestRecorder_NoRunIDIsDropped(t *testing.T) {
	el, s := newTestEventLog(t)
	r := seedRun(t, s, "p")
	rec := NewRecorder(el, nil)

	rec.StepStarted(context.Background(), "setup", "print_global_setting", 1)

	events, err := el.GetEvents(context.Background(), r.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecorder_RecordsAfterCancel(t *testing.T) {
	el, s := newTestEventLog(t)
	r := seedRun(t, s, "p")
	rec := NewRecorder(el, nil)

	ctx, cancel := context.WithCancel(logging.WithRunID(context.Background(), r.ID))
	cancel()
	rec.StepFinished(ctx, "execution", "action_code", 0, context.Canceled)

	events, err := el.GetEvents(context.Background(), r.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventStepFailed, events[0].Type)
}
