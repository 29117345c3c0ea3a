package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DeadLetterQueueName    = "suberase_watch_dlq"
	DeadLetterExchangeName = "suberase_dlq"
	RetryQueueName         = "suberase_watch_retry"
)

// setupRetryQueues declares the delay queue that feeds expired messages back
// into the watch queue, and the dead letter queue for abandoned watches.
func (q *Queue) setupRetryQueues() error {
	// Declare dead letter exchange
	err := q.channel.ExchangeDeclare(
		DeadLetterExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	// Declare dead letter queue
	_, err = q.channel.QueueDeclare(
		DeadLetterQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	// Bind DLQ to exchange
	err = q.channel.QueueBind(
		DeadLetterQueueName,
		DeadLetterQueueName,
		DeadLetterExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	// Messages sit in the retry queue until their per-message expiration and
	// are then routed back to the watch queue.
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": WatchQueueName,
	}

	_, err = q.channel.QueueDeclare(
		RetryQueueName,
		true,
		false,
		false,
		false,
		retryArgs,
	)
	if err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}

	return nil
}

// PublishRetry schedules another watch attempt after delay
func (q *Queue) PublishRetry(ctx context.Context, msg *WatchMessage, delay time.Duration) error {
	next := *msg
	next.Attempt++

	headers := amqp.Table{
		"x-retry-count": next.Attempt,
	}

	return q.publish(ctx, "", RetryQueueName, &next, headers, expiration(delay))
}

// PublishDeadLetter parks a watch that will not be retried
func (q *Queue) PublishDeadLetter(ctx context.Context, msg *WatchMessage, reason string) error {
	headers := amqp.Table{
		"x-failure-reason": reason,
		"x-failed-at":      time.Now().Format(time.RFC3339),
	}

	return q.publish(ctx, DeadLetterExchangeName, DeadLetterQueueName, msg, headers, "")
}

// GetDLQDepth returns the number of messages in the dead letter queue
func (q *Queue) GetDLQDepth() (int, error) {
	info, err := q.channel.QueueInspect(DeadLetterQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect DLQ: %w", err)
	}

	return info.Messages, nil
}

// BackoffDelay doubles base for every retry, capped at limit
func BackoffDelay(base, limit time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = time.Second
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		if limit > 0 && delay >= limit {
			break
		}
		delay *= 2
	}
	if limit > 0 && delay > limit {
		delay = limit
	}

	return delay
}

func expiration(delay time.Duration) string {
	ms := delay.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%d", ms)
}
