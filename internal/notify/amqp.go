package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/joseph-ayodele/docintake/internal/queue"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes job events to a durable topic exchange with routing
// key "<prefix>.<event type>", e.g. "jobs.completed".
type AMQPPublisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex // amqp channels are not safe for concurrent publishes
	ch       amqpChannel
	exchange string
	prefix   string
	logger   *slog.Logger
}

var _ queue.Observer = (*AMQPPublisher)(nil)

// DialAMQP connects to url and declares exchange.
func DialAMQP(url, exchange, routingPrefix string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange %q: %w", exchange, err)
	}
	p := newAMQPPublisher(ch, exchange, routingPrefix, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange, prefix string, logger *slog.Logger) *AMQPPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "jobs"
	}
	return &AMQPPublisher{ch: ch, exchange: exchange, prefix: prefix, logger: logger.With("component", "notify.amqp")}
}

func (p *AMQPPublisher) OnEvent(ctx context.Context, ev queue.Event) {
	body, err := encode(ev)
	if err != nil {
		p.logger.Error("notify.encode.failed", "job_id", ev.JobID, "error", err)
		return
	}
	key := p.prefix + "." + string(ev.Type)
	pctx, cancel := publishContext(ctx)
	defer cancel()

	p.mu.Lock()
	err = p.ch.PublishWithContext(pctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.JobID + ":" + string(ev.Type),
		Timestamp:    ev.At,
		Body:         body,
	})
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn("notify.publish.failed", "exchange", p.exchange, "key", key, "job_id", ev.JobID, "error", err)
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
