// Package notify fans committed outbox events out to subscribers. The store
// writes events inside its transactions; the dispatcher reads them in
// sequence order and hands them to a Notifier.
package notify

import (
	"context"

	"clinicq/internal/store"
)

type Notifier interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
	Close()
}
