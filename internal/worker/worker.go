// Package worker provides async event processing for the pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gigmarket-labs/kestrel/internal/domain"
	"github.com/gigmarket-labs/kestrel/internal/evaluator"
)

// Worker consumes submitted events from the bus and runs them through the
// evaluator, so HTTP ingestion can return before evaluation completes.
type Worker struct {
	bus  domain.EventBus
	eval *evaluator.Evaluator

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, eval *evaluator.Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		eval:   eval,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes the given number of concurrent consumers to the event
// topic.
func (w *Worker) Start(count int) error {
	if count <= 0 {
		count = 1
	}

	for i := 0; i < count; i++ {
		sub, err := w.bus.Subscribe(w.ctx, domain.TopicEventReceived, w.handleMessage)
		if err != nil {
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("workers started",
		"count", count,
		"topic", domain.TopicEventReceived,
	)
	return nil
}

// handleMessage evaluates one submitted event.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var ev domain.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse event message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	verdict, err := w.eval.Evaluate(ctx, &ev)
	if err != nil {
		slog.Error("event evaluation failed",
			"event_id", ev.ID,
			"actor_id", ev.ActorID,
			"error", err,
		)
		return err
	}

	if verdict != nil {
		slog.Info("verdict emitted",
			"event_id", ev.ID,
			"actor_id", ev.ActorID,
			"verdict_id", verdict.ID,
			"score", verdict.Score,
			"severity", verdict.Severity,
			"action", verdict.Action,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		slog.Debug("no rules triggered",
			"event_id", ev.ID,
			"actor_id", ev.ActorID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	return nil
}

// Stop cancels all subscriptions.
func (w *Worker) Stop() {
	for _, sub := range w.subscriptions {
		_ = sub.Unsubscribe()
	}
	w.cancel()
	slog.Info("workers stopped")
}
