package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/docquery/casepipe/internal/domain"
)

type JetStreamConfig struct {
	URL    string
	Lease  time.Duration
	Policy RetryPolicy
}

// JetStreamBus implements Bus on NATS JetStream. Durable pull consumers
// give competing delivery within a group, AckWait is the lease, and
// NakWithDelay carries the explicit backoff. The server stops redelivering
// at MaxDeliver; the bus mirrors that ceiling by publishing to a DLQ
// subject before the final ack.
type JetStreamBus struct {
	conn         *nats.Conn
	js           nats.JetStreamContext
	lease        time.Duration
	policy       RetryPolicy
	logger       *log.Logger
	onDeadLetter DeadLetterFunc
}

func NewJetStreamBus(cfg JetStreamConfig, logger *log.Logger) (*JetStreamBus, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}

	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	return &JetStreamBus{
		conn:   conn,
		js:     js,
		lease:  cfg.Lease,
		policy: cfg.Policy.withDefaults(),
		logger: logger,
	}, nil
}

func (b *JetStreamBus) Close() {
	b.conn.Close()
}

func (b *JetStreamBus) SetDeadLetterFunc(fn DeadLetterFunc) {
	b.onDeadLetter = fn
}

func (b *JetStreamBus) Publish(ctx context.Context, topic string, payload any, dedupKey string) error {
	message, err := NewMessage(topic, payload, dedupKey)
	if err != nil {
		return err
	}
	if err := b.ensureStream(topic); err != nil {
		return err
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", topic, err)
	}
	if _, err := b.js.Publish(topic, data, nats.MsgId(message.MessageID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", topic, err)
	}
	return nil
}

func (b *JetStreamBus) Consume(ctx context.Context, topic, group string, handler Handler) error {
	if err := b.ensureStream(topic); err != nil {
		return err
	}
	if err := b.ensureStream(topic + ".dlq"); err != nil {
		return err
	}

	sub, err := b.js.PullSubscribe(
		topic,
		group,
		nats.AckWait(b.lease),
		nats.MaxDeliver(b.policy.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("pull subscribe %s/%s: %w", topic, group, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if b.logger != nil {
				b.logger.Printf("jetstream fetch error topic=%s err=%v", topic, err)
			}
			time.Sleep(2 * time.Second)
			continue
		}

		for _, msg := range msgs {
			b.handleMsg(ctx, topic, msg, handler)
		}
	}
}

func (b *JetStreamBus) handleMsg(ctx context.Context, topic string, msg *nats.Msg, handler Handler) {
	var message domain.BusMessage
	if err := json.Unmarshal(msg.Data, &message); err != nil {
		b.deadLetter(ctx, topic, domain.BusMessage{Topic: topic}, err)
		_ = msg.Ack()
		return
	}

	message.Attempt = deliveryAttempt(msg)

	err := handler(ctx, message)
	if err == nil {
		_ = msg.Ack()
		return
	}

	if message.Attempt >= b.policy.MaxAttempts {
		b.deadLetter(ctx, topic, message, err)
		_ = msg.Ack()
		return
	}

	_ = msg.NakWithDelay(b.policy.Delay(message.Attempt))
}

func deliveryAttempt(msg *nats.Msg) int {
	meta, err := msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (b *JetStreamBus) ensureStream(subject string) error {
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     streamName(subject),
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("ensure stream %s: %w", subject, err)
	}
	return nil
}

func streamName(subject string) string {
	replacer := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return strings.ToUpper(replacer.Replace(subject))
}

func (b *JetStreamBus) deadLetter(ctx context.Context, topic string, message domain.BusMessage, cause error) {
	data, err := json.Marshal(message)
	if err == nil {
		if _, pubErr := b.js.Publish(topic+".dlq", data); pubErr != nil && b.logger != nil {
			b.logger.Printf("jetstream dlq publish failed topic=%s err=%v", topic, pubErr)
		}
	}
	if b.logger != nil {
		b.logger.Printf(
			"jetstream dead-lettered message topic=%s dedup_key=%s attempt=%d err=%v",
			topic, message.DedupKey, message.Attempt, cause,
		)
	}
	if b.onDeadLetter != nil {
		b.onDeadLetter(ctx, message, cause)
	}
}
