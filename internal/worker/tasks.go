// Package worker runs the periodic maintenance jobs on asynq: the no-show
// sweep, the daily stats rollover, the wait-time refresh, and the outbox
// dispatch.
package worker

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"clinicq/internal/notify"
	"clinicq/internal/store"
)

const (
	TypeNoShowSweep    = "sweep:no_show"
	TypeDailyRollover  = "sweep:rollover"
	TypeWaitRefresh    = "queue:refresh_waits"
	TypeOutboxDispatch = "outbox:dispatch"
)

type NoShowSweepPayload struct {
	BatchSize int `json:"batch_size"`
}

type Worker struct {
	queue      store.Queue
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
}

func New(queue store.Queue, dispatcher *notify.Dispatcher, logger *zap.Logger) *Worker {
	return &Worker{queue: queue, dispatcher: dispatcher, logger: logger}
}

func (w *Worker) HandleNoShowSweep(ctx context.Context, t *asynq.Task) error {
	var payload NoShowSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	swept, err := w.queue.SweepNoShows(ctx, payload.BatchSize)
	if err != nil {
		return err
	}
	if swept > 0 {
		w.logger.Info("no-show sweep", zap.Int("swept", swept))
	}
	return nil
}

func (w *Worker) HandleDailyRollover(ctx context.Context, t *asynq.Task) error {
	rolled, err := w.queue.SweepDailyRollover(ctx)
	if err != nil {
		return err
	}
	if rolled > 0 {
		w.logger.Info("daily rollover", zap.Int("providers", rolled))
	}
	return nil
}

func (w *Worker) HandleWaitRefresh(ctx context.Context, t *asynq.Task) error {
	refreshed, err := w.queue.RefreshWaitTimes(ctx)
	if err != nil {
		return err
	}
	if refreshed > 0 {
		w.logger.Debug("wait refresh", zap.Int("providers", refreshed))
	}
	return nil
}

func (w *Worker) HandleOutboxDispatch(ctx context.Context, t *asynq.Task) error {
	if w.dispatcher == nil {
		return nil
	}
	published, err := w.dispatcher.Dispatch(ctx)
	if err != nil {
		return err
	}
	if published > 0 {
		w.logger.Debug("outbox dispatch", zap.Int("published", published))
	}
	return nil
}
