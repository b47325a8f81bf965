package graph

import (
	"context"
	"time"
)

// Observer receives run lifecycle notifications. Implementations must be
// safe for concurrent use because fan-out steps report from separate goroutines.
type Observer interface {
	StepStarted(ctx context.Context, graph, step string, attempt int)
	StepFinished(ctx context.Context, graph, step string, elapsed time.Duration, err error)
	StepRetrying(ctx context.Context, graph, step string, attempt int, delay time.Duration, err error)
	StepDeferred(ctx context.Context, graph, step string)
	Routed(ctx context.Context, graph, from, key, to string)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) StepStarted(context.Context, string, string, int) {}
func (NopObserver) StepFinished(context.Context, string, string, time.Duration, error) {}
func (NopObserver) StepRetrying(context.Context, string, string, int, time.Duration, error) {}
func (NopObserver) StepDeferred(context.Context, string, string) {}
func (NopObserver) Routed(context.Context, string, string, string, string) {}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (o Observers) StepStarted(ctx context.Context, graph, step string, attempt int) {
	for _, obs := range o {
		obs.StepStarted(ctx, graph, step, attempt)
	}
}

func (o Observers) StepFinished(ctx context.Context, graph, step string, elapsed time.Duration, err error) {
	for _, obs := range o {
		obs.StepFinished(ctx, graph, step, elapsed, err)
	}
}

func (o Observers) StepRetrying(ctx context.Context, graph, step string, attempt int, delay time.Duration, err error) {
	for _, obs := range o {
		obs.StepRetrying(ctx, graph, step, attempt, delay, err)
	}
}

func (o Observers) StepDeferred(ctx context.Context, graph, step string) {
	for _, obs := range o {
		obs.StepDeferred(ctx, graph, step)
	}
}

func (o Observers) Routed(ctx context.Context, graph, from, key, to string) {
	for _, obs := range o {
		obs.Routed(ctx, graph, from, key, to)
	}
}
