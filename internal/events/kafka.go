package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaForwarder writes bus events to a topic keyed by account id, so one
// account's events stay ordered within a partition.
type KafkaForwarder struct {
	writer *kafka.Writer
}

func NewKafkaForwarder(brokers []string, topic string) *KafkaForwarder {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Dialer:       dialer,
		BatchTimeout: 200 * time.Millisecond,
		RequiredAcks: int(kafka.RequireOne),
	})
	return &KafkaForwarder{writer: w}
}

// Run forwards events until ctx is cancelled or the subscription closes.
func (f *KafkaForwarder) Run(ctx context.Context, bus *Bus) {
	logger := log.With().Str("component", "kafka_forwarder").Logger()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			if err := f.writer.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close kafka writer")
			}
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			msg, err := encodeMessage(evt)
			if err != nil {
				logger.Error().Err(err).Str("type", string(evt.Type)).Msg("failed to encode event")
				continue
			}
			if err := f.writer.WriteMessages(ctx, msg); err != nil {
				logger.Error().Err(err).Str("type", string(evt.Type)).Msg("failed to forward event")
			}
		}
	}
}

func encodeMessage(evt Event) (kafka.Message, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(evt.AccountID),
		Value: body,
		Time:  evt.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
		},
	}, nil
}
