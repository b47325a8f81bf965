package workflow

import (
	"context"

	"github.com/rendis/codeloop/internal/config"
	"github.com/rendis/codeloop/internal/expressions"
	"github.com/rendis/codeloop/internal/graph"
	"github.com/rendis/codeloop/internal/state"
	"github.com/rendis/codeloop/pkg/schema"
)

// Wrap-up step names.
const (
	StepSendReport       = "send_mail"
	StepNotifyCompletion = "end_bell"
)

// reportProjection adds the attempt count to the reported state. The
// per-attempt history stays in the dump.
const reportProjection = `.attempts = (.gen_states | length)`

// WrapUp reports the outcome. Neither step can fail the run.
type WrapUp struct {
	cfg  *config.Config
	deps *Deps
	jq   *expressions.GoJQEngine
}

// NewWrapUp creates the wrap-up phase.
func NewWrapUp(cfg *config.Config, deps *Deps) *WrapUp {
	return &WrapUp{cfg: cfg, deps: deps, jq: expressions.NewGoJQEngine()}
}

// Graph declares start -> send_mail -> end_bell -> end.
func (w *WrapUp) Graph() *graph.Graph[state.State] {
	return graph.New(WrapUpGraph, state.Fields).
		AddStep(StepSendReport, w.sendReport).
		AddStep(StepNotifyCompletion, w.notifyCompletion).
		AddEdge(graph.Start, StepSendReport).
		AddEdge(StepSendReport, StepNotifyCompletion).
		AddEdge(StepNotifyCompletion, graph.End)
}

func (w *WrapUp) sendReport(ctx context.Context, st state.State) (graph.Update[state.State], error) {
	if w.deps.Mailer == nil {
		return graph.Skip[state.State](), nil
	}
	logger := w.deps.logger()

	body, err := Report(st, w.reportState(ctx, st))
	if err != nil {
		logger.ErrorContext(ctx, "report rendering failed", "error", err)
		return graph.Skip[state.State](), nil
	}
	if err := w.deps.Mailer.Send(ctx, Subject(st), body); err != nil {
		if !schema.HasCode(err, schema.ErrCodeSendMail) {
			err = schema.NewError(schema.ErrCodeSendMail, "send report").WithCause(err)
		}
		logger.ErrorContext(ctx, "report mail not sent", "error", err)
		w.deps.console().Println(err.Error())
		return graph.Skip[state.State](), nil
	}
	logger.InfoContext(ctx, "report mailed", "subject", Subject(st))
	return graph.Skip[state.State](), nil
}

// reportState renders the state JSON embedded in the report, projected
// through jq. The plain JSON is used if the projection fails.
func (w *WrapUp) reportState(ctx context.Context, st state.State) string {
	m, err := st.Map()
	if err != nil {
		return st.JSON()
	}
	out, err := w.jq.Run(ctx, reportProjection, m)
	if err != nil || len(out) == 0 {
		return st.JSON()
	}
	return prettyJSON(out[0], st.JSON())
}

func (w *WrapUp) notifyCompletion(ctx context.Context, _ state.State) (graph.Update[state.State], error) {
	if w.deps.Notifier == nil {
		return graph.Skip[state.State](), nil
	}
	if err := w.deps.Notifier.Notify(ctx); err != nil {
		w.deps.logger().WarnContext(ctx, "completion notification failed", "error", err)
	}
	return graph.Skip[state.State](), nil
}
