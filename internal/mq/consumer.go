package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler обрабатывает одно сообщение.
//
// nil — ack. Ошибка, обёрнутая в Reject, — nack без requeue (в DLQ).
// Любая другая ошибка — одна повторная доставка, затем DLQ.
type Handler func(ctx context.Context, msg *Delivery) error

// ErrRejected — сообщение нельзя обработать ни при какой повторной доставке.
var ErrRejected = errors.New("message rejected")

// Reject помечает ошибку как окончательную.
func Reject(err error) error {
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// errDeliveriesClosed — брокер закрыл канал доставок (обычно разрыв сессии).
var errDeliveriesClosed = errors.New("deliveries channel closed")

// Delivery — сообщение из очереди.
type Delivery struct {
	Message Message
	Raw     amqp.Delivery
}

// Ack подтверждает обработку.
func (d *Delivery) Ack() error {
	return d.Raw.Ack(false)
}

// Nack отклоняет сообщение: requeue=true — вернуть в очередь, false — в DLQ.
func (d *Delivery) Nack(requeue bool) error {
	return d.Raw.Nack(false, requeue)
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	Queue    string
	Handler  Handler
	Prefetch int // default: 1
}

// Consumer читает очередь и передаёт сообщения Handler'у по одному.
// После переподключения Connection подписка восстанавливается.
type Consumer struct {
	conn *Connection
	cfg  ConsumerConfig
	log  *slog.Logger

	cancel context.CancelFunc
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		conn: conn,
		cfg:  cfg,
		log:  logger.With("queue", cfg.Queue),
	}
}

// Start блокируется, пока ctx не отменён, Stop не вызван
// или соединение не закрыто.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	for {
		// до subscribe: переподключение во время попытки не потеряется
		changed := c.conn.Changed()

		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("consumer interrupted, waiting for reconnect", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Done():
			return ErrClosed
		case <-changed:
		}
	}
}

// session подписывается на очередь и обрабатывает доставки до разрыва.
func (c *Consumer) session(ctx context.Context) error {
	ch := c.conn.Channel()
	if ch == nil {
		return ErrNoChannel
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	// ручной ack, тег генерирует брокер
	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.log.Info("consumer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.dispatch(ctx, raw)
		}
	}
}

// dispatch разбирает сообщение, вызывает Handler и подтверждает доставку.
func (c *Consumer) dispatch(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.log.Error("malformed message, sending to DLQ", "error", err, "body", string(raw.Body))
		c.settle(raw, false, false)
		return
	}

	log := c.log.With("message_id", msg.ID, "type", msg.Type)
	log.Debug("received message", "redelivered", raw.Redelivered)

	err := c.cfg.Handler(ctx, &Delivery{Message: msg, Raw: raw})
	if err == nil {
		c.settle(raw, true, false)
		return
	}

	requeue := shouldRequeue(err, raw.Redelivered)
	log.Error("handler failed", "requeue", requeue, "error", err)
	c.settle(raw, false, requeue)
}

func (c *Consumer) settle(raw amqp.Delivery, ack, requeue bool) {
	var err error
	if ack {
		err = raw.Ack(false)
	} else {
		err = raw.Nack(false, requeue)
	}
	if err != nil {
		// канал уже закрыт: брокер вернёт сообщение в очередь сам
		c.log.Warn("failed to settle delivery", "ack", ack, "error", err)
	}
}

// shouldRequeue решает, вернуть ли сообщение в очередь.
// Повторно доставленное сообщение уходит в DLQ, чтобы не зациклиться.
func shouldRequeue(err error, redelivered bool) bool {
	if errors.Is(err, ErrRejected) {
		return false
	}
	return !redelivered
}

// Stop прекращает потребление.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}
