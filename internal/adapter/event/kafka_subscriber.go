package event

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/rl1809/storefront/internal/core/domain"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type invalidator interface {
	Invalidate(ctx context.Context, partitions ...string) error
}

// KafkaSubscriber drops local cache partitions named by catalog events that
// other instances published. Events carrying our own origin are skipped.
type KafkaSubscriber struct {
	reader messageReader
	cache  invalidator
	origin string
	logger zerolog.Logger
}

// NewKafkaSubscriber joins groupID; every instance needs its own group so
// that each one sees every event.
func NewKafkaSubscriber(brokers []string, topic, groupID, origin string, cache invalidator, logger zerolog.Logger) *KafkaSubscriber {
	return newKafkaSubscriber(kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	}), origin, cache, logger)
}

func newKafkaSubscriber(r messageReader, origin string, cache invalidator, logger zerolog.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{
		reader: r,
		cache:  cache,
		origin: origin,
		logger: logger.With().Str("component", "catalog-events").Logger(),
	}
}

// Run consumes until ctx is cancelled.
func (s *KafkaSubscriber) Run(ctx context.Context) error {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.Error().Err(err).Msg("read catalog event failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		s.handle(ctx, msg)
	}
}

func (s *KafkaSubscriber) handle(ctx context.Context, msg kafka.Message) {
	var evt domain.CatalogEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		s.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping malformed catalog event")
		return
	}
	if evt.Origin == s.origin || len(evt.Partitions) == 0 {
		return
	}

	if err := s.cache.Invalidate(ctx, evt.Partitions...); err != nil {
		s.logger.Error().Err(err).Strs("partitions", evt.Partitions).Msg("remote invalidation failed")
		return
	}
	s.logger.Debug().Str("type", string(evt.Type)).Str("product_id", evt.ProductID).Str("origin", evt.Origin).Msg("applied remote invalidation")
}

func (s *KafkaSubscriber) Close() error {
	return s.reader.Close()
}
