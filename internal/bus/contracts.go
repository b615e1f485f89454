package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docquery/casepipe/internal/domain"
)

// Handler processes one delivery. A nil return acknowledges the message. An
// error return makes the message visible again after a backoff delay; once
// the attempt ceiling is reached the backend dead-letters it instead.
type Handler func(ctx context.Context, msg domain.BusMessage) error

// DeadLetterFunc is invoked when a message is moved to the dead-letter
// queue, letting the pipeline mark the corresponding case as failed.
type DeadLetterFunc func(ctx context.Context, msg domain.BusMessage, cause error)

// Publisher fans a message out to every consumer group subscribed to the
// topic. Republishing the same dedup key is always allowed; deduplication is
// the consumer's job via the case store's compare-and-swap.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, dedupKey string) error
}

// Subscriber delivers each topic message to exactly one consumer instance
// per group at a time, under an exclusive lease. Delivery is at-least-once.
type Subscriber interface {
	Consume(ctx context.Context, topic, group string, handler Handler) error
}

type Bus interface {
	Publisher
	Subscriber
}

// RetryPolicy makes the redelivery behavior an explicit, testable
// configuration object instead of an infrastructure default.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Minute
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// Delay returns the exponential backoff for the given delivery attempt
// (1-based), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// NewMessage builds the transport envelope for a payload. MessageID is fresh
// per publish; the dedup key travels with the message end-to-end.
func NewMessage(topic string, payload any, dedupKey string) (domain.BusMessage, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return domain.BusMessage{}, fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	return domain.BusMessage{
		MessageID:  uuid.NewString(),
		DedupKey:   dedupKey,
		Topic:      topic,
		Payload:    encoded,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}
