package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeRuns  Exchange = "promptflow.runs"
	ExchangeCalls Exchange = "promptflow.calls"
	ExchangeDLQ   Exchange = "promptflow.dlq"
)

// Queues — имена очередей.
const (
	QueueRunsRequested  Queue = "runs.requested"
	QueueRunsCompleted  Queue = "runs.completed"
	QueueCallsCompleted Queue = "calls.completed"
	QueueDLQRuns        Queue = "dlq.runs"
)

// Routing keys.
const (
	RoutingKeyRequested RoutingKey = "requested"
	RoutingKeyCompleted RoutingKey = "completed"
	RoutingKeyDLQRuns   RoutingKey = "runs"
)

// binding — очередь, её exchange и routing key.
type binding struct {
	queue      Queue
	exchange   Exchange
	routingKey RoutingKey
	deadLetter bool
	consumer   string
}

var exchanges = []Exchange{ExchangeRuns, ExchangeCalls, ExchangeDLQ}

var bindings = []binding{
	{QueueRunsRequested, ExchangeRuns, RoutingKeyRequested, true, "promptflow-worker"},
	{QueueRunsCompleted, ExchangeRuns, RoutingKeyCompleted, false, "external"},
	{QueueCallsCompleted, ExchangeCalls, RoutingKeyCompleted, false, "external"},
	{QueueDLQRuns, ExchangeDLQ, RoutingKeyDLQRuns, false, "manual"},
}

// SetupTopology объявляет exchanges, очереди и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range exchanges {
			err := ch.ExchangeDeclare(
				string(ex), // name
				"direct",   // type
				true,       // durable
				false,      // auto-deleted
				false,      // internal
				false,      // no-wait
				nil,        // arguments
			)
			if err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		for _, b := range bindings {
			if _, err := ch.QueueDeclare(string(b.queue), true, false, false, false, b.args()); err != nil {
				return fmt.Errorf("declare queue %s: %w", b.queue, err)
			}
			if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}

		return nil
	})
}

// args возвращает аргументы очереди. runs.requested отправляет
// отклонённые сообщения в promptflow.dlq.
func (b binding) args() amqp.Table {
	if !b.deadLetter {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQRuns),
	}
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	var sb strings.Builder
	sb.WriteString("Promptflow RabbitMQ topology:\n")
	for _, ex := range exchanges {
		fmt.Fprintf(&sb, "  %s (direct)\n", ex)
		for _, b := range bindings {
			if b.exchange != ex {
				continue
			}
			fmt.Fprintf(&sb, "    %s [routing: %s] consumer: %s", b.queue, b.routingKey, b.consumer)
			if b.deadLetter {
				fmt.Fprintf(&sb, " dlq: %s", QueueDLQRuns)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
