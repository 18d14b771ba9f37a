// Package publisher fans finished session results out to other consumers.
package publisher

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/pyropy/carlens/core/model"
)

type Publisher interface {
	Publish(ctx context.Context, record model.SessionRecord) error
	Close() error
}

// Nop drops every record. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, model.SessionRecord) error { return nil }
func (Nop) Close() error                                       { return nil }

type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisPublisher(ctx context.Context, addr, channel string) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "connect redis %s", addr)
	}

	return NewRedisPublisherWithClient(rdb, channel), nil
}

func NewRedisPublisherWithClient(rdb redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, record model.SessionRecord) error {
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
