package events

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultChannel is the Redis pub/sub channel grid events travel on
const DefaultChannel = "grid:events"

// RedisBus fans events out through Redis pub/sub so that several hub
// processes observe the same lifecycle. Delivery to local subscribers goes
// through a Local bus, including for events this process published itself.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	local   *Local
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logrus.FieldLogger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus subscribes to channel and starts relaying received events
func NewRedisBus(ctx context.Context, rdb *redis.Client, channel string, logger logrus.FieldLogger) (*RedisBus, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	logger = logger.WithField("component", "events")

	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", channel)
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &RedisBus{
		rdb:     rdb,
		channel: channel,
		local:   NewLocal(0, logger),
		pubsub:  pubsub,
		cancel:  cancel,
		logger:  logger,
	}

	b.wg.Add(1)
	go b.receive(ctx)

	return b, nil
}

// Publish encodes e and sends it to the shared channel
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	data, err := encodeEvent(e)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return errors.Wrap(err, "failed to publish event")
	}
	return nil
}

// Subscribe registers h for events of type t received from Redis
func (b *RedisBus) Subscribe(t Type, h Handler) func() {
	return b.local.Subscribe(t, h)
}

// Close unsubscribes from Redis and stops local delivery
func (b *RedisBus) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	b.local.Close()
	return err
}

func (b *RedisBus) receive(ctx context.Context) {
	defer b.wg.Done()

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			e, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				b.logger.WithError(err).Warn("dropping undecodable event")
				continue
			}
			if err := b.local.Publish(ctx, e); err != nil {
				return
			}
		}
	}
}

func encodeEvent(e Event) ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode event")
	}
	return data, nil
}

func decodeEvent(data []byte) (Event, error) {
	var e Event
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Event{}, errors.Wrap(err, "failed to decode event")
	}
	return e, nil
}
