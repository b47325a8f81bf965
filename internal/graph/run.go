package graph

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rendis/codeloop/internal/logging"
	"github.com/rendis/codeloop/pkg/schema"
)

// DefaultBudget is used when Run is given a non-positive budget.
const DefaultBudget = 25

// Run executes the plan from Start until no step is pending and returns the
// final state.
//
// Steps pending at the same time run concurrently on the plan's pool and their
// updates are folded in declaration order, so append fields see a stable
// order. A barrier step stays pending while any other pending step can still
// reach it. Every step invocation counts against budget; retries of the same
// invocation do not.
func (p *Plan[S]) Run(ctx context.Context, initial S, budget int) (S, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	ctx = logging.WithPhase(ctx, p.name)
	state := initial

	frontier, err := p.successors(ctx, Start, state)
	if err != nil {
		return state, err
	}

	executed := 0
	for len(frontier) > 0 {
		ready, waiting := p.partition(ctx, frontier)
		if len(ready) == 0 {
			return state, schema.NewErrorf(schema.ErrCodeExecution,
				"graph %s: barrier steps %v can never run", p.name, waiting)
		}
		if executed+len(ready) > budget {
			return state, schema.NewErrorf(schema.ErrCodeBudgetExceeded,
				"graph %s exceeded its step budget of %d", p.name, budget).
				WithStep(ready[0]).
				WithDetails(map[string]any{"budget": budget, "executed": executed})
		}
		executed += len(ready)

		updates, err := p.execute(ctx, ready, state)
		if err != nil {
			return state, err
		}
		for i, name := range ready {
			if err := p.fields.Apply(&state, updates[i]); err != nil {
				return state, schema.NewErrorf(schema.ErrCodeUnknownField,
					"graph %s: folding update of %s", p.name, name).WithStep(name).WithCause(err)
			}
		}

		next := waiting
		for _, name := range ready {
			targets, err := p.successors(ctx, name, state)
			if err != nil {
				return state, err
			}
			next = append(next, targets...)
		}
		frontier = p.dedupe(next)
	}

	p.logger.DebugContext(ctx, "graph finished", "steps", executed, "budget", budget)
	return state, nil
}

// partition splits pending steps into those that can run now and barriers
// that must keep waiting.
func (p *Plan[S]) partition(ctx context.Context, pending []string) (ready, waiting []string) {
	for _, name := range pending {
		if p.steps[name].barrier && p.blocked(name, pending) {
			p.observer.StepDeferred(ctx, p.name, name)
			waiting = append(waiting, name)
			continue
		}
		ready = append(ready, name)
	}
	return ready, waiting
}

func (p *Plan[S]) blocked(barrier string, pending []string) bool {
	up := p.upstream[barrier]
	for _, other := range pending {
		if other != barrier && up[other] {
			return true
		}
	}
	return false
}

// dedupe removes duplicates and orders names by declaration.
func (p *Plan[S]) dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b string) int {
		return p.steps[a].index - p.steps[b].index
	})
	return out
}

// successors resolves the steps that follow from, evaluating routers against state.
func (p *Plan[S]) successors(ctx context.Context, from string, state S) ([]string, error) {
	var out []string
	for _, e := range p.out[from] {
		switch e.Kind {
		case EdgeUnconditional:
			if e.To != End {
				out = append(out, e.To)
			}
		case EdgeConditional:
			key, err := e.Router(ctx, state)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeRouting,
					"graph %s: router after %s failed", p.name, from).WithStep(from).WithCause(err)
			}
			to, ok := e.PathMap[key]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeRouting,
					"graph %s: router after %s returned %q which is not in its path map", p.name, from, key).
					WithStep(from).
					WithDetails(map[string]any{"key": key, "path_map": e.PathMap})
			}
			p.observer.Routed(ctx, p.name, from, key, to)
			p.logger.DebugContext(ctx, "routed", "from", from, "key", key, "to", to)
			if to != End {
				out = append(out, to)
			}
		}
	}
	return out, nil
}

// execute invokes the ready steps and returns their updates in the same order.
func (p *Plan[S]) execute(ctx context.Context, names []string, state S) ([]Update[S], error) {
	updates := make([]Update[S], len(names))
	if len(names) == 1 {
		u, err := p.invoke(ctx, p.steps[names[0]], state)
		updates[0] = u
		return updates, err
	}

	tasks := make([]func(context.Context) error, len(names))
	for i, name := range names {
		st := p.steps[name]
		tasks[i] = func(ctx context.Context) error {
			u, err := p.invoke(ctx, st, state)
			updates[i] = u
			return err
		}
	}
	for _, err := range p.pool.Run(ctx, tasks) {
		if err != nil {
			return nil, err
		}
	}
	return updates, nil
}

// invoke runs one step, retrying per its policy.
func (p *Plan[S]) invoke(ctx context.Context, st *step[S], state S) (Update[S], error) {
	ctx = logging.WithStep(ctx, st.name)
	for attempt := 1; ; attempt++ {
		p.observer.StepStarted(ctx, p.name, st.name, attempt)
		started := time.Now()
		u, err := p.call(ctx, st, state)
		p.observer.StepFinished(ctx, p.name, st.name, time.Since(started), err)
		if err == nil {
			return u, nil
		}

		if st.retry == nil || !st.retry.matches(err) {
			p.logger.ErrorContext(ctx, "step failed", "attempt", attempt, "error", err)
			return u, schema.NewErrorf(schema.ErrCodeExecution, "step %s failed", st.name).
				WithStep(st.name).WithCause(err)
		}
		if attempt >= st.retry.MaxAttempts {
			p.logger.ErrorContext(ctx, "step retries exhausted", "attempts", attempt, "error", err)
			return u, schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"step %s failed after %d attempts", st.name, attempt).
				WithStep(st.name).WithCause(err)
		}

		delay := ComputeBackoff(st.retry, attempt)
		p.logger.WarnContext(ctx, "retrying step", "attempt", attempt, "delay", delay, "error", err)
		p.observer.StepRetrying(ctx, p.name, st.name, attempt, delay, err)
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return u, schema.NewErrorf(schema.ErrCodeCancelled, "step %s: retry wait aborted", st.name).
				WithStep(st.name).WithCause(werr)
		}
	}
}

// call runs a single attempt with the step timeout, converting panics to errors.
func (p *Plan[S]) call(ctx context.Context, st *step[S], state S) (u Update[S], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "step %s panicked: %s", st.name, fmt.Sprint(r)).
				WithStep(st.name)
		}
	}()
	if st.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.timeout)
		defer cancel()
	}
	return st.fn(ctx, state)
}
