// Package notify forwards OTA progress and completion events to Redis, the
// status publisher collaborator described in spec §6 ("A status publisher
// MAY consume progress/complete events and forward them elsewhere; the
// core does not care"). Writes are funneled through a single goroutine via
// internal/asynctx so a slow or unreachable Redis instance never blocks the
// Sender's hot path.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/brifk/uart-ota-gateway/internal/asynctx"
	"github.com/brifk/uart-ota-gateway/internal/logging"
	"github.com/brifk/uart-ota-gateway/internal/otametrics"
	"github.com/redis/go-redis/v9"
)

// event is one status update queued for publication.
type event struct {
	field string
	value string
}

// redisClient is the subset of *redis.Client this package needs, small
// enough to fake in tests without a live server.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Pipeline() redis.Pipeliner
	Close() error
}

// Publisher writes OTA status fields to a Redis hash and publishes them on
// a channel, mirroring WriteAndPublishString from the teacher's pack
// (librescoot-bluetooth-service/pkg/redis). key is the hash/channel name
// (e.g. "ota-status").
type Publisher struct {
	client redisClient
	key    string
	tx     *asynctx.AsyncTx[event]
}

// New connects to addr and returns a Publisher, or an error if the initial
// ping fails.
func New(parent context.Context, addr, password string, db int, key string, queueDepth int) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return newWithClient(parent, client, key, queueDepth)
}

func newWithClient(parent context.Context, client redisClient, key string, queueDepth int) (*Publisher, error) {
	if err := client.Ping(parent).Err(); err != nil {
		return nil, fmt.Errorf("notify: connect to redis: %w", err)
	}

	p := &Publisher{client: client, key: key}
	p.tx = asynctx.New(parent, queueDepth, p.write, asynctx.Hooks[event]{
		OnError: func(ev event, err error) {
			otametrics.IncError(otametrics.ErrBadFrame)
			logging.L().Error("notify_publish_error", "field", ev.field, "error", err)
		},
		OnDrop: func(ev event) error {
			logging.L().Warn("notify_queue_full", "field", ev.field)
			return nil
		},
	})
	return p, nil
}

func (p *Publisher) write(ev event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := p.client.Pipeline()
	pipe.HSet(ctx, p.key, ev.field, ev.value)
	pipe.Publish(ctx, p.key, fmt.Sprintf("%s:%s", ev.field, ev.value))
	_, err := pipe.Exec(ctx)
	return err
}

// publish queues field/value for asynchronous, non-blocking delivery.
func (p *Publisher) publish(field, value string) {
	_ = p.tx.Send(event{field: field, value: value})
}

// NotifyProgress publishes a progress update. Intended to be wired as a
// sender.Hooks.OnProgress callback.
func (p *Publisher) NotifyProgress(offset, total uint32, percent uint8) {
	p.publish("progress", fmt.Sprintf("%d/%d (%d%%)", offset, total, percent))
}

// NotifyOutcome publishes a transfer's terminal outcome. Intended to be
// wired as a sender.Hooks.OnComplete callback; accepts a loosely-typed
// summary so this package does not import internal/sender.
func (p *Publisher) NotifyOutcome(success bool, reason string) {
	if success {
		p.publish("outcome", "success")
		return
	}
	p.publish("outcome", fmt.Sprintf("failed:%s", reason))
}

// Close stops the publish worker and the Redis connection.
func (p *Publisher) Close() error {
	p.tx.Close()
	return p.client.Close()
}
