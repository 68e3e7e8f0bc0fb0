package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"clinicq/internal/store"

	amqp "github.com/rabbitmq/amqp091-go"
)

const updatesExchange = "queue_updates_fanout"

// AMQPNotifier publishes queue events to a durable fanout exchange. Display
// boards and participant notification consumers each bind their own queue.
type AMQPNotifier struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func DialAMQP(url string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(updatesExchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPNotifier{conn: conn, ch: ch}, nil
}

func (n *AMQPNotifier) Publish(ctx context.Context, event store.OutboxEvent) error {
	if n == nil || n.ch == nil {
		return fmt.Errorf("nil channel")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.ch.PublishWithContext(ctx, updatesExchange, event.ProviderID, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.CreatedAt,
		ContentType:  "application/json",
		Type:         event.Type,
		Body:         body,
	})
}

func (n *AMQPNotifier) Close() {
	if n == nil {
		return
	}
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		_ = n.conn.Close()
	}
}
