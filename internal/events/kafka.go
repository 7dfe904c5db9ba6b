package events

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/segmentio/kafka-go"
)

const (
	kafkaMaxAttempts  = 3
	kafkaBatchTimeout = 10 * time.Millisecond
	kafkaIOTimeout    = 10 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by user id so a wallet's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher builds a synchronous writer for topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  kafkaMaxAttempts,
		BatchTimeout: kafkaBatchTimeout,
		ReadTimeout:  kafkaIOTimeout,
		WriteTimeout: kafkaIOTimeout,
	}
	return &KafkaPublisher{writer: writer}
}

func (publisher *KafkaPublisher) PublishLedgerEvent(ctx context.Context, event ledger.LedgerEvent) error {
	message, err := kafkaMessage(event)
	if err != nil {
		return err
	}
	if err := publisher.writer.WriteMessages(ctx, message); err != nil {
		return ledger.WrapError(errorOperationPublish, "kafka", errorCodeDeliver, err)
	}
	return nil
}

func (publisher *KafkaPublisher) Close() error {
	return publisher.writer.Close()
}

func kafkaMessage(event ledger.LedgerEvent) (kafka.Message, error) {
	payload, err := encodeEvent(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(event.UserID),
		Value:   payload,
		Time:    event.OccurredAt,
		Headers: []kafka.Header{{Key: headerEventKind, Value: []byte(event.Kind)}},
	}, nil
}
