// Package eventbus publishes live supervisor status and an
// append-only event log to Redis.
//
// Grounded on battery/redis.go's updateRedisStatus (pipeline of
// HMSet+Publish) and battery/fault.go's reportFault (XAdd with MaxLen
// for an append-only stream).
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statusKey     = "fascb:status"
	statusChannel = "fascb:status:changed"
	eventStream   = "events:refill"
	streamMaxLen  = 1000
)

// Bus publishes refill status and events to Redis.
type Bus struct {
	rdb *redis.Client
}

// New connects to the Redis instance at addr.
func New(addr, password string, db int) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: connect %s: %w", addr, err)
	}
	return &Bus{rdb: rdb}, nil
}

// PublishStatus writes the current supervisor status fields to a
// well-known hash and notifies subscribers, mirroring
// updateRedisStatus's pipeline-of-HMSet-and-Publish shape.
func (b *Bus) PublishStatus(ctx context.Context, fields map[string]interface{}) error {
	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, statusKey, fields)
	pipe.Publish(ctx, statusChannel, fmt.Sprintf("%v", fields["state"]))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("eventbus: publish status: %w", err)
	}
	return nil
}

// RecordEvent appends one entry to the append-only refill event
// stream, e.g. a state transition or the "0L DISPENSE" event required
// by scenario S4.
func (b *Bus) RecordEvent(ctx context.Context, kind string, fields map[string]interface{}) error {
	values := map[string]interface{}{"event": kind, "at": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range fields {
		values[k] = v
	}
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("eventbus: record event %s: %w", kind, err)
	}
	return nil
}

// Close releases the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
