/*
publisher.go - Validation events on a Redis channel

PURPOSE:
  Publishes workflow events (validated, rejected, reverted) so that other
  services can refresh their view of inventory without polling. Publishing
  is fire-and-forget: a failure is logged and never affects the operation
  that produced the event.

MESSAGE FORMAT:
  JSON encoding of production.Event, published on "<prefix>.<kind>",
  e.g. "production.entry.validated".

SEE ALSO:
  - production/observer.go: Event and Observer
  - telemetry/metrics.go: the other observer
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/production-engine/production"
)

const DefaultPrefix = "production"

// Publisher is the part of a Redis client the publisher needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type RedisPublisher struct {
	client  Publisher
	prefix  string
	timeout time.Duration
	log     *logrus.Entry
}

var _ production.Observer = (*RedisPublisher)(nil)

// New wraps an existing client.
func New(client Publisher, prefix string, log *logrus.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisPublisher{
		client:  client,
		prefix:  prefix,
		timeout: 2 * time.Second,
		log:     log.WithField("module", "events"),
	}
}

// Dial connects to Redis and checks the connection before returning.
func Dial(ctx context.Context, opts *redis.Options, log *logrus.Logger) (*RedisPublisher, *redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect redis at %s: %w", opts.Addr, err)
	}
	return New(client, DefaultPrefix, log), client, nil
}

// Channel returns the channel an event kind is published on.
func (p *RedisPublisher) Channel(kind production.EventKind) string {
	return p.prefix + "." + string(kind)
}

func (p *RedisPublisher) Observe(ctx context.Context, e production.Event) {
	log := p.log.WithFields(logrus.Fields{"entry_id": e.EntryID, "kind": e.Kind})

	payload, err := json.Marshal(e)
	if err != nil {
		log.WithError(err).Error("failed to encode event")
		return
	}

	// The caller's context may already be cancelled once the response is
	// written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.Channel(e.Kind), payload).Err(); err != nil {
		log.WithError(err).Warn("failed to publish event")
		return
	}
	log.Debug("event published")
}
