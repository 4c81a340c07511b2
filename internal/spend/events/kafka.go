package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// MessageWriter is the part of kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink writes events to a Kafka topic keyed by account, so events of
// one account stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
	topic  string
	log    *zap.Logger
}

// NewKafkaWriter creates the writer used by KafkaSink.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
}

func NewKafkaSink(writer MessageWriter, topic string, log *zap.Logger) *KafkaSink {
	return &KafkaSink{writer: writer, topic: topic, log: log}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Durable() bool { return true }

func (k *KafkaSink) Send(ctx context.Context, events []interfaces.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		data, err := encode(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Account.Hex()),
			Value: data,
			Time:  e.Timestamp,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
				{Key: "event-id", Value: []byte(e.ID.String())},
			},
		})
	}
	k.log.Debug("publishing events to kafka", zap.String("topic", k.topic), zap.Int("count", len(msgs)))
	return k.writer.WriteMessages(ctx, msgs...)
}
