package store

import (
	"context"
	"time"

	"github.com/rendis/codeloop/pkg/schema"
)

// History resources selectable with Query.
const (
	ResourceRuns   = "runs"
	ResourceEvents = "events"
	ResourceSteps  = "steps"
	ResourceJobs   = "jobs"
)

// Query selects history records of one resource kind.
type Query struct {
	Resource  string
	RunID     string
	Step      string
	JobID     string
	Status    schema.RunStatus
	EventType string
	Since     *time.Time
	Limit     int
}

// Query returns the records q selects: a run, a run list, events, step
// summaries, or scheduled jobs.
func (el *EventLog) Query(ctx context.Context, q Query) (any, error) {
	switch q.Resource {
	case ResourceRuns, "":
		if q.RunID != "" {
			return el.store.GetRun(ctx, q.RunID)
		}
		return el.store.ListRuns(ctx, RunFilter{Status: q.Status, JobID: q.JobID, Since: q.Since, Limit: q.Limit})
	case ResourceEvents:
		if q.EventType != "" {
			return el.store.GetEventsByType(ctx, q.EventType, EventFilter{RunID: q.RunID, Step: q.Step, Since: q.Since, Limit: q.Limit})
		}
		if q.RunID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "event query requires a run id or an event type")
		}
		return el.store.GetEvents(ctx, q.RunID, 0)
	case ResourceSteps:
		if q.RunID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "step query requires a run id")
		}
		return el.Replay(ctx, q.RunID)
	case ResourceJobs:
		return el.store.ListScheduledJobs(ctx, ScheduledJobFilter{Limit: q.Limit})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown history resource %q", q.Resource)
	}
}
