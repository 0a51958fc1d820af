// Package amqp forwards control signals to channel workers over RabbitMQ.
// Each worker consumes a queue bound to its own handle, so a signal
// addressed to a handle reaches exactly that worker.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mlett/crossport/internal/core/domain"
	"github.com/mlett/crossport/internal/core/ports"
)

// DefaultExchange is the direct exchange signals are published to, with the
// worker handle as routing key.
const DefaultExchange = "crossport.signals"

// SignalMessage is the wire form of a forwarded control signal.
type SignalMessage struct {
	Handle domain.WorkerHandle `json:"handle"`
	Signal domain.Signal       `json:"signal"`
	SentAt time.Time           `json:"sent_at"`
}

type Config struct {
	URL           string
	Exchange      string
	RetryAttempts int
	RetryInterval time.Duration
}

type Signaler struct {
	cfg     Config
	logger  *slog.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
}

var _ ports.WorkerSignaler = (*Signaler)(nil)

func NewSignaler(cfg Config, logger *slog.Logger) (*Signaler, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}

	s := &Signaler{cfg: cfg, logger: logger}
	if err := s.connect(); err != nil {
		return nil, fmt.Errorf("create signaler: %w", err)
	}
	return s, nil
}

func (s *Signaler) connect() error {
	var err error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		s.conn, err = amqp.Dial(s.cfg.URL)
		if err == nil {
			break
		}
		s.logger.Warn("rabbitmq connection failed",
			slog.Int("attempt", attempt), slog.Any("error", err))
		if attempt < s.cfg.RetryAttempts {
			time.Sleep(s.cfg.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("connect after %d attempts: %w", s.cfg.RetryAttempts, err)
	}

	s.channel, err = s.conn.Channel()
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	err = s.channel.ExchangeDeclare(
		s.cfg.Exchange, // name
		"direct",       // type
		true,           // durable
		false,          // auto-delete
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		s.channel.Close()
		s.conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	s.logger.Info("signaler connected", slog.String("exchange", s.cfg.Exchange))
	return nil
}

// Signal publishes one control message routed by worker handle. Whether any
// worker is listening is not this layer's concern; the orchestrator decides
// per operation how delivery failure propagates.
func (s *Signaler) Signal(ctx context.Context, handle domain.WorkerHandle, sig domain.Signal) error {
	body, err := json.Marshal(SignalMessage{Handle: handle, Signal: sig, SentAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	err = s.channel.PublishWithContext(ctx,
		s.cfg.Exchange, // exchange
		string(handle), // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", sig, handle, err)
	}
	return nil
}

func (s *Signaler) Close() error {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
