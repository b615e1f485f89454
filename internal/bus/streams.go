package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docquery/casepipe/internal/domain"
)

type StreamsConfig struct {
	Addr     string
	Password string
	DB       int
	Consumer string
	// Lease is the visibility window: a delivery left unacknowledged for
	// longer becomes claimable by another consumer. It is also the
	// redelivery delay after a failed attempt, since failed deliveries stay
	// pending until the lease expires.
	Lease time.Duration
	// Policy contributes the attempt ceiling; the per-attempt delays are
	// governed by Lease (see Consume).
	Policy    RetryPolicy
	MaxStream int64
}

// StreamsBus implements Bus on Redis Streams. Every topic is a stream,
// every consumer group competes on deliveries within the group, and
// multiple groups on the same stream give fan-out. A delivery is only ever
// acknowledged after its handler succeeded, dead-lettered, or proved
// unparseable; everything else stays in the pending entries list, so no
// in-flight message survives solely in process memory.
type StreamsBus struct {
	client       *redis.Client
	consumer     string
	lease        time.Duration
	policy       RetryPolicy
	maxStream    int64
	logger       *log.Logger
	onDeadLetter DeadLetterFunc
}

func NewStreamsBus(ctx context.Context, cfg StreamsConfig, logger *log.Logger) (*StreamsBus, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "casepipe-1"
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.MaxStream <= 0 {
		cfg.MaxStream = 10000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &StreamsBus{
		client:    client,
		consumer:  cfg.Consumer,
		lease:     cfg.Lease,
		policy:    cfg.Policy.withDefaults(),
		maxStream: cfg.MaxStream,
		logger:    logger,
	}, nil
}

func (b *StreamsBus) Close() error {
	return b.client.Close()
}

func (b *StreamsBus) SetDeadLetterFunc(fn DeadLetterFunc) {
	b.onDeadLetter = fn
}

func (b *StreamsBus) Publish(ctx context.Context, topic string, payload any, dedupKey string) error {
	message, err := NewMessage(topic, payload, dedupKey)
	if err != nil {
		return err
	}
	return b.add(ctx, topic, message)
}

func (b *StreamsBus) add(ctx context.Context, stream string, message domain.BusMessage) error {
	_, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxStream,
		Approx: true,
		Values: map[string]any{
			"message_id":  message.MessageID,
			"dedup_key":   message.DedupKey,
			"topic":       message.Topic,
			"payload":     string(message.Payload),
			"attempt":     message.Attempt,
			"enqueued_at": message.EnqueuedAt.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

func (b *StreamsBus) Consume(ctx context.Context, topic, group string, handler Handler) error {
	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := b.reclaimExpired(ctx, topic, group, handler); err != nil {
			return err
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{topic, ">"},
			Count:    10,
			Block:    b.blockFor(),
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup %s: %w", topic, err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				// Entries read with ">" are on their first delivery.
				b.handleItem(ctx, topic, group, item, 1, handler)
			}
		}
	}
}

// reclaimExpired takes over pending entries whose lease ran out, whether
// their consumer crashed mid-handling or left them unacknowledged after a
// failed attempt. The delivery count Redis keeps in the pending entries
// list is the authoritative attempt number, so a handler that hangs or
// dies still burns attempts and eventually dead-letters.
func (b *StreamsBus) reclaimExpired(ctx context.Context, topic, group string, handler Handler) error {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("xpending %s: %w", topic, err)
	}

	for _, entry := range pending {
		if entry.Idle < b.lease {
			continue
		}
		claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: b.consumer,
			MinIdle:  b.lease,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xclaim %s: %w", topic, err)
		}
		for _, item := range claimed {
			// The claim itself counted as one more delivery.
			b.handleItem(ctx, topic, group, item, int(entry.RetryCount)+1, handler)
		}
	}
	return nil
}

// blockFor bounds the XREADGROUP block so the reclaim pass runs at least
// once per lease window.
func (b *StreamsBus) blockFor() time.Duration {
	block := 5 * time.Second
	if b.lease < block {
		block = b.lease
	}
	return block
}

func (b *StreamsBus) handleItem(
	ctx context.Context,
	topic, group string,
	item redis.XMessage,
	attempt int,
	handler Handler,
) {
	message, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		b.deadLetter(ctx, topic, domain.BusMessage{Topic: topic, MessageID: item.ID}, parseErr)
		_ = b.ack(ctx, topic, group, item.ID)
		return
	}

	message.Attempt = attempt
	err := handler(ctx, message)
	if err == nil {
		_ = b.ack(ctx, topic, group, item.ID)
		return
	}

	if attempt >= b.policy.MaxAttempts {
		b.deadLetter(ctx, topic, message, err)
		_ = b.ack(ctx, topic, group, item.ID)
		return
	}

	// Leave the entry unacknowledged. It stays in the pending entries list
	// until the lease expires and reclaimExpired redelivers it, so the
	// retry survives a crash or shutdown between attempts.
	if b.logger != nil {
		b.logger.Printf(
			"streams bus delivery failed, holding for lease redelivery topic=%s dedup_key=%s attempt=%d err=%v",
			topic, message.DedupKey, attempt, err,
		)
	}
}

func (b *StreamsBus) ensureGroup(ctx context.Context, topic, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group %s/%s: %w", topic, group, err)
}

func (b *StreamsBus) ack(ctx context.Context, topic, group, streamID string) error {
	if err := b.client.XAck(ctx, topic, group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

func (b *StreamsBus) deadLetter(ctx context.Context, topic string, message domain.BusMessage, cause error) {
	values := map[string]any{
		"message_id": message.MessageID,
		"dedup_key":  message.DedupKey,
		"topic":      message.Topic,
		"payload":    string(message.Payload),
		"attempt":    message.Attempt,
		"error":      cause.Error(),
		"moved_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: topic + ".dlq", Values: values}).Err(); err != nil && b.logger != nil {
		b.logger.Printf("streams bus dlq publish failed topic=%s err=%v", topic, err)
	}
	if b.logger != nil {
		b.logger.Printf(
			"streams bus dead-lettered message topic=%s dedup_key=%s attempt=%d err=%v",
			topic, message.DedupKey, message.Attempt, cause,
		)
	}
	if b.onDeadLetter != nil {
		b.onDeadLetter(ctx, message, cause)
	}
}

func parseStreamMessage(item redis.XMessage) (domain.BusMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	messageID, err := getString("message_id")
	if err != nil {
		return domain.BusMessage{}, err
	}
	dedupKey, err := getString("dedup_key")
	if err != nil {
		return domain.BusMessage{}, err
	}
	topic, err := getString("topic")
	if err != nil {
		return domain.BusMessage{}, err
	}
	payload, err := getString("payload")
	if err != nil {
		return domain.BusMessage{}, err
	}
	attemptString, err := getString("attempt")
	if err != nil {
		return domain.BusMessage{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.BusMessage{}, fmt.Errorf("invalid attempt: %w", err)
	}
	enqueuedAtString, err := getString("enqueued_at")
	if err != nil {
		return domain.BusMessage{}, err
	}
	enqueuedAt, err := time.Parse(time.RFC3339Nano, enqueuedAtString)
	if err != nil {
		return domain.BusMessage{}, fmt.Errorf("invalid enqueued_at: %w", err)
	}

	return domain.BusMessage{
		MessageID:  messageID,
		DedupKey:   dedupKey,
		Topic:      topic,
		Payload:    []byte(payload),
		Attempt:    attempt,
		EnqueuedAt: enqueuedAt,
	}, nil
}
