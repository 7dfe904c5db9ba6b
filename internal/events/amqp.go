package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher sends persistent JSON messages to a durable queue through the default exchange.
type AMQPPublisher struct {
	connection *amqp.Connection
	channel    amqpChannel
	queue      string
}

// DialAMQP connects and declares the queue.
func DialAMQP(url string, queue string) (*AMQPPublisher, error) {
	connection, err := amqp.Dial(url)
	if err != nil {
		return nil, ledger.WrapError(errorOperationPublish, "amqp", errorCodeConnect, fmt.Errorf("dial: %w", err))
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, ledger.WrapError(errorOperationPublish, "amqp", errorCodeConnect, fmt.Errorf("open channel: %w", err))
	}
	if _, err := channel.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, ledger.WrapError(errorOperationPublish, "amqp", errorCodeConnect, fmt.Errorf("declare queue: %w", err))
	}
	return &AMQPPublisher{connection: connection, channel: channel, queue: queue}, nil
}

func (publisher *AMQPPublisher) PublishLedgerEvent(ctx context.Context, event ledger.LedgerEvent) error {
	publishing, err := amqpPublishing(event)
	if err != nil {
		return err
	}
	if err := publisher.channel.PublishWithContext(ctx, "", publisher.queue, false, false, publishing); err != nil {
		return ledger.WrapError(errorOperationPublish, "amqp", errorCodeDeliver, err)
	}
	return nil
}

func (publisher *AMQPPublisher) Close() error {
	var errs []error
	if publisher.channel != nil {
		errs = append(errs, publisher.channel.Close())
	}
	if publisher.connection != nil {
		errs = append(errs, publisher.connection.Close())
	}
	return errors.Join(errs...)
}

func amqpPublishing(event ledger.LedgerEvent) (amqp.Publishing, error) {
	payload, err := encodeEvent(event)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Kind),
		Headers:      amqp.Table{headerEventKind: string(event.Kind)},
		Body:         payload,
	}, nil
}
