package workerkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SignalConsumer receives control signals addressed to one worker handle.
// The kernel publishes to a direct exchange with the handle as routing key;
// each worker owns an exclusive, auto-deleted queue bound to its handle.
type SignalConsumer struct {
	logger  *slog.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	out     chan Signal
}

func NewSignalConsumer(url, exchange, handle string, logger *slog.Logger) (*SignalConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	queueName := "crossport.worker." + handle
	q, err := ch.QueueDeclare(
		queueName,
		false, // durable; signals are only meaningful to a live worker
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, handle, exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	return &SignalConsumer{
		logger:  logger,
		conn:    conn,
		channel: ch,
		queue:   q.Name,
		out:     make(chan Signal, 8),
	}, nil
}

// Signals is the stream of decoded control signals for this worker.
func (c *SignalConsumer) Signals() <-chan Signal {
	return c.out
}

// Run consumes until ctx is cancelled or the broker closes the delivery
// stream. Malformed messages are logged and skipped.
func (c *SignalConsumer) Run(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(ctx, c.queue, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}

	defer close(c.out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var msg struct {
				Signal Signal `json:"signal"`
			}
			if err := json.Unmarshal(d.Body, &msg); err != nil || !msg.Signal.Valid() {
				c.logger.Warn("dropping malformed signal", "body", string(d.Body))
				continue
			}
			select {
			case c.out <- msg.Signal:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *SignalConsumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
