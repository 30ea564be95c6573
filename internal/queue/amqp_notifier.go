package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/wagslane/go-rabbitmq"
)

// AMQPNotifierConfig configures the RabbitMQ-backed notifier. The queue is
// shared by all worker processes, so a wake is delivered to one of them.
type AMQPNotifierConfig struct {
	URL      string
	Exchange string
	Queue    string
	Logger   *slog.Logger
	Buffer   int
}

// NewAMQPNotifier initialises a notifier backed by a RabbitMQ queue.
func NewAMQPNotifier(cfg AMQPNotifierConfig) (Notifier, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = "clipfog"
	}
	queueName := strings.TrimSpace(cfg.Queue)
	if queueName == "" {
		queueName = "clipfog.wakes"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := rabbitmq.NewConn(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	publisher, err := rabbitmq.NewPublisher(
		conn,
		rabbitmq.WithPublisherOptionsExchangeName(exchange),
		rabbitmq.WithPublisherOptionsExchangeDeclare,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create rabbitmq publisher: %w", err)
	}
	return &amqpNotifier{
		conn:      conn,
		publisher: publisher,
		exchange:  exchange,
		queue:     queueName,
		buffer:    cfg.Buffer,
		logger:    logger,
	}, nil
}

type amqpNotifier struct {
	conn      *rabbitmq.Conn
	publisher *rabbitmq.Publisher
	exchange  string
	queue     string
	buffer    int
	logger    *slog.Logger
}

func (n *amqpNotifier) Publish(ctx context.Context, wake Wake) error {
	if wake.JobID == "" {
		return errors.New("wake jobId is required")
	}
	payload, err := json.Marshal(wake)
	if err != nil {
		return fmt.Errorf("marshal wake: %w", err)
	}
	return n.publisher.PublishWithContext(
		ctx,
		payload,
		[]string{n.queue},
		rabbitmq.WithPublishOptionsContentType("application/json"),
		rabbitmq.WithPublishOptionsExchange(n.exchange),
	)
}

// Subscribe starts a consumer on the shared wake queue. Consumer setup
// failures are logged rather than surfaced because workers fall back to
// polling the datastore.
func (n *amqpNotifier) Subscribe() Subscription {
	sub := &amqpSubscription{ch: make(chan Wake, n.buffer)}
	consumer, err := rabbitmq.NewConsumer(
		n.conn,
		func(delivery rabbitmq.Delivery) rabbitmq.Action {
			var wake Wake
			if err := json.Unmarshal(delivery.Body, &wake); err != nil {
				n.logger.Error("wake decode failed", "error", err)
				return rabbitmq.NackDiscard
			}
			sub.deliver(wake)
			return rabbitmq.Ack
		},
		n.queue,
		rabbitmq.WithConsumerOptionsRoutingKey(n.queue),
		rabbitmq.WithConsumerOptionsExchangeName(n.exchange),
		rabbitmq.WithConsumerOptionsExchangeDeclare,
	)
	if err != nil {
		n.logger.Warn("rabbitmq consumer setup failed", "error", err)
		return sub
	}
	sub.consumer = consumer
	return sub
}

func (n *amqpNotifier) Close() error {
	n.publisher.Close()
	return n.conn.Close()
}

type amqpSubscription struct {
	consumer *rabbitmq.Consumer

	mu     sync.Mutex
	closed bool
	ch     chan Wake
}

// deliver hands a wake to the worker without blocking the consumer. The
// closed check and the send share one critical section so a concurrent Close
// cannot close the channel mid-send.
func (s *amqpSubscription) deliver(wake Wake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- wake:
	default:
		// Drop when the worker is saturated; the poll loop will pick
		// the job up.
	}
}

func (s *amqpSubscription) Wakes() <-chan Wake {
	return s.ch
}

func (s *amqpSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.consumer != nil {
		s.consumer.Close()
	}
	close(s.ch)
}
