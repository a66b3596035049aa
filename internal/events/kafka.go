package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/pkg/logger"
)

const produceTimeout = 5 * time.Second

// KafkaPublisher writes lifecycle events to a topic, keyed by trigger id so
// the events of one trigger stay ordered within a partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	log    *logger.Logger
}

// NewKafkaPublisher creates a new Kafka producer
func NewKafkaPublisher(cfg config.KafkaConfig, log *logger.Logger) (*KafkaPublisher, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "dm-agent"
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaPublisher{
		client: client,
		topic:  cfg.Topic,
		log:    log.WithComponent("events"),
	}, nil
}

// Publish produces all events synchronously
func (p *KafkaPublisher) Publish(ctx context.Context, events ...Lifecycle) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		record, err := newRecord(p.topic, ev)
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce %d events: %w", len(records), err)
	}
	p.log.Debug().Int("count", len(records)).Msg("Lifecycle events published")
	return nil
}

// Ping checks broker connectivity
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

func newRecord(topic string, ev Lifecycle) (*kgo.Record, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(strconv.FormatUint(uint64(ev.TriggerID), 10)),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}, nil
}
