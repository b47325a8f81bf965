package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/codeloop/internal/graph"
	"github.com/rendis/codeloop/internal/logging"
	"github.com/rendis/codeloop/pkg/schema"
)

// Recorder is a graph.Observer that appends step events to the run log of
// the run ID carried by the context. Notifications without a run ID are
// dropped. Write failures are logged and never reach the graph.
type Recorder struct {
	log    *EventLog
	logger *slog.Logger
}

var _ graph.Observer = (*Recorder)(nil)

// NewRecorder returns a Recorder writing through el.
func NewRecorder(el *EventLog, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{log: el, logger: logger}
}

func (r *Recorder) StepStarted(ctx context.Context, g, step string, attempt int) {
	r.append(ctx, g, step, schema.EventStepStarted, StepPayload{Attempt: attempt})
}

func (r *Recorder) StepFinished(ctx context.Context, g, step string, elapsed time.Duration, err error) {
	p := StepPayload{ElapsedMs: elapsed.Milliseconds()}
	if err != nil {
		p.Error = err.Error()
		p.Code = schema.CodeOf(err)
		r.append(ctx, g, step, schema.EventStepFailed, p)
		return
	}
	r.append(ctx, g, step, schema.EventStepCompleted, p)
}

func (r *Recorder) StepRetrying(ctx context.Context, g, step string, attempt int, delay time.Duration, err error) {
	p := StepPayload{Attempt: attempt, DelayMs: delay.Milliseconds()}
	if err != nil {
		p.Error = err.Error()
		p.Code = schema.CodeOf(err)
	}
	r.append(ctx, g, step, schema.EventStepRetrying, p)
}

func (r *Recorder) StepDeferred(ctx context.Context, g, step string) {
	r.append(ctx, g, step, schema.EventStepDeferred, StepPayload{})
}

func (r *Recorder) Routed(ctx context.Context, g, from, key, to string) {
	r.append(ctx, g, from, schema.EventRouteEvaluated, StepPayload{Key: key, To: to})
}

// RunEvent appends a run- or phase-level event with an arbitrary payload.
func (r *Recorder) RunEvent(ctx context.Context, phase, eventType string, payload any) {
	runID := logging.RunID(ctx)
	if runID == "" {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			r.logger.WarnContext(ctx, "encoding run event payload", "event", eventType, "error", err)
			return
		}
		raw = b
	}
	r.write(ctx, &Event{RunID: runID, Phase: phase, Type: eventType, Payload: raw})
}

func (r *Recorder) append(ctx context.Context, phase, step, eventType string, p StepPayload) {
	runID := logging.RunID(ctx)
	if runID == "" {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	r.write(ctx, &Event{RunID: runID, Phase: phase, Step: step, Type: eventType, Payload: raw})
}

func (r *Recorder) write(ctx context.Context, e *Event) {
	// Record even when the run's context is already cancelled.
	if err := r.log.AppendEvent(context.WithoutCancel(ctx), e); err != nil {
		r.logger.WarnContext(ctx, "recording run event", "event", e.Type, "step", e.Step, "error", err)
	}
}
