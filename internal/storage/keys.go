package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/amilink/internal/ami"
)

const (
	changedChannelsKey = "changes/channels"
	changedBridgesKey  = "changes/bridges"

	// DefaultTTL is how long history keys live after their last update.
	DefaultTTL = time.Hour

	// changeRecheck is how far ahead ChangedChannels reschedules live
	// channels.
	changeRecheck = time.Minute
)

func channelKey(id string) string { return "channels/" + id }
func bridgeKey(id string) string  { return "bridges/" + id }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// hashArgs flattens pairs into HSET arguments. Redis keeps the last value of
// a repeated field.
func hashArgs(fields []ami.KeyValue) []any {
	args := make([]any, 0, 2*len(fields))
	for _, kv := range fields {
		args = append(args, kv.Key, kv.Value)
	}
	return args
}

// writer batches the commands of one event and remembers which keys get
// the TTL.
type writer struct {
	ctx    context.Context
	pipe   redis.Pipeliner
	at     float64
	ttl    time.Duration
	expire []string
}

func newWriter(ctx context.Context, rdb redis.UniversalClient, now time.Time, ttl time.Duration) *writer {
	return &writer{ctx: ctx, pipe: rdb.Pipeline(), at: score(now), ttl: ttl}
}

func (w *writer) touch(key string) { w.expire = append(w.expire, key) }

func (w *writer) hset(key string, values ...any) {
	w.pipe.HSet(w.ctx, key, values...)
	w.touch(key)
}

// addNX adds member to the sorted set at key unless it is already there, so
// the score keeps the time it was first seen.
func (w *writer) addNX(key, member string) {
	w.pipe.ZAddNX(w.ctx, key, redis.Z{Score: w.at, Member: member})
	w.touch(key)
}

// changed moves id to now in the change log at key.
func (w *writer) changed(key, id string) {
	w.pipe.ZAdd(w.ctx, key, redis.Z{Score: w.at, Member: id})
}

func (w *writer) exec() error {
	seen := make(map[string]bool, len(w.expire))
	for _, k := range w.expire {
		if seen[k] {
			continue
		}
		seen[k] = true
		w.pipe.Expire(w.ctx, k, w.ttl)
	}
	_, err := w.pipe.Exec(w.ctx)
	return err
}
