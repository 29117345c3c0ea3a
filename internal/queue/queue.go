package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/therealutkarshpriyadarshi/suberase/internal/config"
)

const (
	WatchQueueName = "suberase_watch"
	ExchangeName   = "suberase"
)

// ErrConsumerClosed is reported when the broker stops delivering watch messages
var ErrConsumerClosed = errors.New("watch consumer closed")

// WatchMessage asks a worker to follow a task until the provider finishes it
type WatchMessage struct {
	TaskID     string    `json:"task_id"`
	Attempt    int       `json:"attempt"`
	Failures   int       `json:"failures,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue provides message queue operations
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New creates a new queue client
func New(cfg config.QueueConfig) (*Queue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	err = channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare queue
	_, err = channel.QueueDeclare(
		WatchQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange
	err = channel.QueueBind(
		WatchQueueName,
		WatchQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	q := &Queue{
		conn:    conn,
		channel: channel,
	}
	if err := q.setupRetryQueues(); err != nil {
		q.Close()
		return nil, err
	}

	return q, nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishWatch enqueues the first watch message for a freshly submitted task
func (q *Queue) PublishWatch(ctx context.Context, taskID string) error {
	return q.publish(ctx, ExchangeName, WatchQueueName, &WatchMessage{
		TaskID:     taskID,
		EnqueuedAt: time.Now().UTC(),
	}, nil, "")
}

func (q *Queue) publish(ctx context.Context, exchange, key string, msg *WatchMessage, headers amqp.Table, expiration string) error {
	body, err := encodeWatch(msg)
	if err != nil {
		return err
	}

	err = q.channel.PublishWithContext(ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      headers,
			Expiration:   expiration,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish watch message: %w", err)
	}

	return nil
}

// ConsumeWatch starts consuming watch messages. Handler errors requeue the
// message; malformed messages are dropped. The returned channel yields one
// error if deliveries stop before ctx is done, and is closed when consuming
// ends.
func (q *Queue) ConsumeWatch(ctx context.Context, prefetch int, handler func(context.Context, *WatchMessage) error) (<-chan error, error) {
	if prefetch < 1 {
		prefetch = 1
	}

	// Set QoS to limit concurrent processing
	err := q.channel.Qos(
		prefetch, // prefetch count
		0,        // prefetch size
		false,    // global
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	closed := q.channel.NotifyClose(make(chan *amqp.Error, 1))

	msgs, err := q.channel.Consume(
		WatchQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					done <- closeReason(closed)
					return
				}

				watch, err := decodeWatch(msg.Body)
				if err != nil {
					msg.Nack(false, false)
					continue
				}

				if err := handler(ctx, watch); err != nil {
					msg.Nack(false, true)
				} else {
					msg.Ack(false)
				}
			}
		}
	}()

	return done, nil
}

// closeReason wraps the broker's close error, if it sent one
func closeReason(closed <-chan *amqp.Error) error {
	select {
	case reason, ok := <-closed:
		if ok && reason != nil {
			return fmt.Errorf("%w: %s", ErrConsumerClosed, reason.Error())
		}
	default:
	}
	return ErrConsumerClosed
}

// GetQueueDepth returns the number of messages in the queue
func (q *Queue) GetQueueDepth() (int, error) {
	info, err := q.channel.QueueInspect(WatchQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}

func encodeWatch(msg *WatchMessage) ([]byte, error) {
	if msg == nil || msg.TaskID == "" {
		return nil, fmt.Errorf("watch message requires a task id")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal watch message: %w", err)
	}
	return body, nil
}

func decodeWatch(body []byte) (*WatchMessage, error) {
	var msg WatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal watch message: %w", err)
	}
	if msg.TaskID == "" {
		return nil, fmt.Errorf("watch message without task id")
	}
	return &msg, nil
}
