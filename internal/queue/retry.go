package queue

import (
	"context"
	"errors"

	"github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
)

const retriesHeader = "x-retries"

func retriesOf(msg amqp091.Delivery) int {
	switch v := msg.Headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleProcessingError routes a failed message to the retry queue, or to
// the dead-letter queue once maxAttempts is reached or the message is
// invalid. The original delivery is acked after the copy is published and
// requeued when publishing fails.
func HandleProcessingError(ctx context.Context, ch Publisher, msg amqp091.Delivery, queueName string, maxAttempts int, cause error) {
	retries := retriesOf(msg)

	if retries+1 >= maxAttempts || errors.Is(cause, ErrInvalidMessage) {
		dlqName := queueName + "_dlq"
		logger.Warn("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", retries, "err", cause)
		pubErr := ch.PublishWithContext(ctx, "", dlqName, false, false, amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Headers:      msg.Headers,
			DeliveryMode: amqp091.Persistent,
		})
		if pubErr != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retriesHeader] = int32(retries + 1)

	pubErr := ch.PublishWithContext(ctx, "", retryName, false, false, amqp091.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
	})
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
