package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "iox.compaction.events"

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	// Brokers are the seed broker addresses.
	Brokers []string

	// Topic receives the events. Created with a single partition if it
	// does not exist.
	Topic string

	// ClientID labels this producer in broker logs and quotas.
	ClientID string
}

// KafkaPublisher produces one JSON record per finished job, keyed by
// partition id so per-partition event order survives repartitioning.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher connects to the brokers and ensures the topic exists.
func NewKafkaPublisher(ctx context.Context, cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: no brokers configured")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "iox-compactor"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("events: creating kafka client: %w", err)
	}

	if err := ensureTopic(ctx, client, cfg.Topic); err != nil {
		client.Close()
		return nil, err
	}
	return &KafkaPublisher{client: client, topic: cfg.Topic}, nil
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, 1, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("events: creating topic %s: %w", topic, err)
	}
	for _, topicResp := range resp {
		if topicResp.Err != nil && !errors.Is(topicResp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("events: creating topic %s: %w", topicResp.Topic, topicResp.Err)
		}
	}
	return nil
}

// Publish produces the event synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, ev JobEvent) error {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encoding event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(strconv.FormatInt(ev.PartitionID, 10)),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("events: producing to %s: %w", p.topic, err)
	}
	return nil
}

// Topic returns the topic events are produced to.
func (p *KafkaPublisher) Topic() string {
	return p.topic
}

// Close flushes buffered records and releases the client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
