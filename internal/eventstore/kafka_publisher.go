package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/eventkeep/storeruntime/internal/canonical"
	"github.com/eventkeep/storeruntime/internal/registry"
	"github.com/eventkeep/storeruntime/internal/streamdoc"
)

// KafkaPublisherConfig configures a KafkaPublisher.
type KafkaPublisherConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the topic appended-event envelopes are written to.
	Topic string

	// WriteTimeout bounds a single batch write. Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaPublisher is a best-effort Publisher that forwards a canonical
// envelope of freshly appended events to Kafka for downstream projection
// consumers. Keyed by stream identifier so all events for one stream land
// on the same partition and are read back in append order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher constructs a KafkaPublisher. Brokers and Topic are
// required.
func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("eventstore: kafka publisher requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("eventstore: kafka publisher requires a topic")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	}
	return &KafkaPublisher{writer: w}, nil
}

// Close releases the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// envelope is the canonical, deterministic wire shape sent to Kafka. Its
// field set mirrors the stream document so a consumer never has to go back
// to the object store just to learn what was appended.
type envelope struct {
	ObjectID   string            `json:"objectId"`
	ObjectName string            `json:"objectName"`
	StreamID   string            `json:"streamId"`
	Events     []streamdoc.Event `json:"events"`
}

// OnAppended implements Publisher. A marshal or produce error is returned
// to the caller (eventstore.Store.publish logs it); it is never retried and
// never surfaced to the original Append caller.
func (p *KafkaPublisher) OnAppended(ctx context.Context, doc *registry.ObjectDocument, appended []streamdoc.Event) error {
	env := envelope{
		ObjectID:   doc.ObjectID,
		ObjectName: doc.ObjectName,
		StreamID:   doc.Active.StreamIdentifier,
		Events:     appended,
	}

	body, err := canonical.MarshalJSONCanonical(env)
	if err != nil {
		return fmt.Errorf("eventstore: marshal canonical envelope: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(env.StreamID),
		Value: body,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("eventstore: kafka produce: %w", err)
	}
	return nil
}
