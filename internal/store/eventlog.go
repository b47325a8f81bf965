package store

import (
	"context"
	"encoding/json"

	"github.com/rendis/codeloop/pkg/schema"
)

// EventLog provides run-log operations on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps s.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// StepPayload is the payload recorded with step events.
type StepPayload struct {
	Attempt   int    `json:"attempt,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	DelayMs   int64  `json:"delay_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Key       string `json:"key,omitempty"`
	To        string `json:"to,omitempty"`
}

// Replay folds the run's events into one summary per step, in order of each
// step's first appearance. A gap in the sequence is reported as a STORE error.
func (el *EventLog) Replay(ctx context.Context, runID string) ([]*StepSummary, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	var order []*StepSummary
	byKey := make(map[string]*StepSummary)

	for _, e := range events {
		if e.Step == "" {
			continue
		}
		key := e.Phase + "/" + e.Step
		ss, ok := byKey[key]
		if !ok {
			ss = &StepSummary{Phase: e.Phase, Step: e.Step}
			byKey[key] = ss
			order = append(order, ss)
		}

		var p StepPayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &p)
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = StepRunning
			ss.Runs++
		case schema.EventStepCompleted:
			ss.Status = StepCompleted
			ss.DurationMs += p.ElapsedMs
		case schema.EventStepFailed:
			ss.Status = StepFailed
			ss.Failures++
			ss.DurationMs += p.ElapsedMs
			ss.LastError = e.Payload
		case schema.EventStepRetrying:
			ss.Status = StepRetrying
			ss.Retries++
		case schema.EventStepDeferred:
			if ss.Status == "" {
				ss.Status = StepDeferred
			}
		}
	}

	// Route events may name a step that never started; drop those.
	out := order[:0]
	for _, ss := range order {
		if ss.Status != "" {
			out = append(out, ss)
		}
	}
	return out, nil
}
