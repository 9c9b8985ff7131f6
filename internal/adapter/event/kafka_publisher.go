package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher announces catalog invalidations on a topic so that other
// instances can drop the same cache partitions.
type KafkaPublisher struct {
	writer messageWriter
	origin string
}

var _ port.EventPublisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(brokers []string, topic, origin string) *KafkaPublisher {
	return newKafkaPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, origin)
}

func newKafkaPublisher(w messageWriter, origin string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, origin: origin}
}

func (p *KafkaPublisher) PublishCatalogEvent(ctx context.Context, evt domain.CatalogEvent) error {
	evt.Origin = p.origin
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode catalog event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.ProductID),
		Value: payload,
		Time:  evt.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("write catalog event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
