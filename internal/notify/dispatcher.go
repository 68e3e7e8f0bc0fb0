package notify

import (
	"context"
	"errors"
	"strconv"

	"clinicq/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cursorKey = "clinicq:outbox:cursor"

// CursorStore persists the last published outbox sequence across restarts.
type CursorStore interface {
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, cursor int64) error
}

// RedisCursor keeps the cursor in redis.
type RedisCursor struct {
	client *redis.Client
}

func NewRedisCursor(client *redis.Client) *RedisCursor {
	return &RedisCursor{client: client}
}

func (c *RedisCursor) Load(ctx context.Context) (int64, error) {
	raw, err := c.client.Get(ctx, cursorKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return cursor, nil
}

func (c *RedisCursor) Save(ctx context.Context, cursor int64) error {
	return c.client.Set(ctx, cursorKey, strconv.FormatInt(cursor, 10), 0).Err()
}

// Dispatcher drains the outbox in sequence order. The cursor advances after
// each successful publish, so a restart resumes where the previous process
// stopped and every event is published at least once.
type Dispatcher struct {
	queue     store.Queue
	notifier  Notifier
	cursor    CursorStore
	logger    *zap.Logger
	batchSize int
}

func NewDispatcher(queue store.Queue, notifier Notifier, cursor CursorStore, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		notifier:  notifier,
		cursor:    cursor,
		logger:    logger,
		batchSize: 100,
	}
}

// Dispatch publishes every committed event past the cursor and returns how
// many went out. A transport failure stops the batch without losing its
// place.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	cursor, err := d.cursor.Load(ctx)
	if err != nil {
		return 0, err
	}

	published := 0
	for {
		events, err := d.queue.ListOutboxEvents(ctx, cursor, d.batchSize)
		if err != nil {
			return published, err
		}
		if len(events) == 0 {
			return published, nil
		}
		for _, event := range events {
			if err := d.notifier.Publish(ctx, event); err != nil {
				d.logger.Warn("outbox publish failed",
					zap.Int64("seq", event.Seq),
					zap.String("type", event.Type),
					zap.Error(err))
				return published, err
			}
			cursor = event.Seq
			if err := d.cursor.Save(ctx, cursor); err != nil {
				return published, err
			}
			published++
		}
	}
}
