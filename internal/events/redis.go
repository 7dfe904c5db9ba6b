package events

import (
	"context"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher broadcasts events on a pub/sub channel. Subscribers that are offline miss them.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (publisher *RedisPublisher) PublishLedgerEvent(ctx context.Context, event ledger.LedgerEvent) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	if err := publisher.client.Publish(ctx, publisher.channel, payload).Err(); err != nil {
		return ledger.WrapError(errorOperationPublish, "redis", errorCodeDeliver, err)
	}
	return nil
}
