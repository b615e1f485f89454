package bus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/docquery/casepipe/internal/domain"
)

// LocalBus is an in-process fallback used when neither Redis nor NATS is
// configured, and the backend integration tests run against. Each consumer
// group gets its own buffered channel, so one publish fans out to every
// group while instances within a group compete for deliveries.
type LocalBus struct {
	policy     RetryPolicy
	bufferSize int
	logger     *log.Logger

	mu           sync.Mutex
	groups       map[string]map[string]chan domain.BusMessage
	deadLetters  map[string][]domain.BusMessage
	onDeadLetter DeadLetterFunc
}

func NewLocalBus(bufferSize int, policy RetryPolicy, logger *log.Logger) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	return &LocalBus{
		policy:      policy.withDefaults(),
		bufferSize:  bufferSize,
		logger:      logger,
		groups:      make(map[string]map[string]chan domain.BusMessage),
		deadLetters: make(map[string][]domain.BusMessage),
	}
}

// SetDeadLetterFunc registers the pipeline's dead-letter hook. Must be
// called before consumers start.
func (b *LocalBus) SetDeadLetterFunc(fn DeadLetterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDeadLetter = fn
}

func (b *LocalBus) Publish(ctx context.Context, topic string, payload any, dedupKey string) error {
	message, err := NewMessage(topic, payload, dedupKey)
	if err != nil {
		return err
	}
	return b.deliver(ctx, message)
}

func (b *LocalBus) deliver(ctx context.Context, message domain.BusMessage) error {
	b.mu.Lock()
	channels := make([]chan domain.BusMessage, 0, len(b.groups[message.Topic]))
	for _, ch := range b.groups[message.Topic] {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	if len(channels) == 0 && b.logger != nil {
		b.logger.Printf("local bus publish with no subscribers topic=%s dedup_key=%s", message.Topic, message.DedupKey)
	}

	for _, ch := range channels {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch <- message:
		}
	}
	return nil
}

func (b *LocalBus) groupChannel(topic, group string) chan domain.BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	topicGroups, ok := b.groups[topic]
	if !ok {
		topicGroups = make(map[string]chan domain.BusMessage)
		b.groups[topic] = topicGroups
	}
	ch, ok := topicGroups[group]
	if !ok {
		ch = make(chan domain.BusMessage, b.bufferSize)
		topicGroups[group] = ch
	}
	return ch
}

// EnsureGroup registers a consumer group before any publish happens, so
// wiring order in main does not drop early messages.
func (b *LocalBus) EnsureGroup(topic, group string) {
	b.groupChannel(topic, group)
}

func (b *LocalBus) Consume(ctx context.Context, topic, group string, handler Handler) error {
	ch := b.groupChannel(topic, group)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-ch:
			message.Attempt++
			err := handler(ctx, message)
			if err == nil {
				continue
			}

			if message.Attempt >= b.policy.MaxAttempts {
				b.deadLetter(ctx, message, err)
				continue
			}

			delay := b.policy.Delay(message.Attempt)
			go func(retry domain.BusMessage) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
				case <-timer.C:
					select {
					case <-ctx.Done():
					case ch <- retry:
					}
				}
			}(message)
		}
	}
}

func (b *LocalBus) deadLetter(ctx context.Context, message domain.BusMessage, cause error) {
	b.mu.Lock()
	b.deadLetters[message.Topic] = append(b.deadLetters[message.Topic], message)
	hook := b.onDeadLetter
	b.mu.Unlock()

	if b.logger != nil {
		b.logger.Printf(
			"local bus dead-lettered message topic=%s dedup_key=%s attempt=%d err=%v",
			message.Topic, message.DedupKey, message.Attempt, cause,
		)
	}
	if hook != nil {
		hook(ctx, message, cause)
	}
}

// DeadLetters returns the dead-lettered messages for a topic, preserved for
// manual inspection.
func (b *LocalBus) DeadLetters(topic string) []domain.BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BusMessage, len(b.deadLetters[topic]))
	copy(out, b.deadLetters[topic])
	return out
}
