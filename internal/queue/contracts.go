package queue

import (
	"context"

	"github.com/iago/reporting-back/internal/domain"
)

// Producer hands report work to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer delivers messages at least once. A handler error counts as a failed
// delivery and feeds the backend's retry and dead-letter accounting.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error
}
