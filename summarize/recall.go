package summarize

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentloop/types"
)

// RecallFunc extracts durable facts from an evicted message span into
// long-term memory. Implementations typically drive a helper agent.
type RecallFunc func(ctx context.Context, discarded []*types.Message) error

// RecallWorker runs memory extraction off the summarizer's call path. Batches
// are handed over on a bounded channel; when the channel is full the batch is
// dropped, and a failing extraction is logged and swallowed. Recall is best
// effort by contract, it must never stall or fail a step.
type RecallWorker struct {
	fn     RecallFunc
	ch     chan []*types.Message
	group  *errgroup.Group
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewRecallWorker creates a worker with the given queue depth (minimum 1).
func NewRecallWorker(fn RecallFunc, queueDepth int, logger *zap.Logger) *RecallWorker {
	if queueDepth < 1 {
		queueDepth = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecallWorker{
		fn:     fn,
		ch:     make(chan []*types.Message, queueDepth),
		logger: logger.With(zap.String("component", "recall_worker")),
	}
}

// Start launches the drain loop. It returns immediately.
func (w *RecallWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.group, ctx = errgroup.WithContext(ctx)
	w.group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case batch, ok := <-w.ch:
				if !ok {
					return nil
				}
				if err := w.fn(ctx, batch); err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Warn("memory recall failed",
						zap.Int("messages", len(batch)),
						zap.Error(err),
					)
				}
			}
		}
	})
}

// Enqueue hands a batch to the worker without blocking. A full queue drops
// the batch.
func (w *RecallWorker) Enqueue(discarded []*types.Message) {
	if len(discarded) == 0 {
		return
	}
	select {
	case w.ch <- discarded:
	default:
		w.logger.Warn("recall queue full, dropping batch",
			zap.Int("messages", len(discarded)),
		)
	}
}

// Stop shuts the worker down and waits for the in-flight batch.
func (w *RecallWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.group != nil {
		_ = w.group.Wait()
	}
}
