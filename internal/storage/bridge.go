package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/amilink/internal/ami"
)

var bridgeEvents = map[string]bool{
	"BridgeCreate":  true,
	"BridgeEnter":   true,
	"BridgeLeave":   true,
	"BlindTransfer": true,
}

// IsBridgeEvent reports whether events named name update a bridge.
func IsBridgeEvent(name string) bool { return bridgeEvents[name] }

// BridgeRepository stores bridges under bridges/<BridgeUniqueid> and projects
// them on the session channel as channels/<Linkedid>/bridges.
type BridgeRepository struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewBridgeRepository returns a repository whose keys expire ttl after their
// last update.
func NewBridgeRepository(rdb redis.UniversalClient, ttl time.Duration) *BridgeRepository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BridgeRepository{rdb: rdb, ttl: ttl, now: time.Now}
}

// SaveBridgeEvent merges a bridge-like event into the bridge history.
func (r *BridgeRepository) SaveBridgeEvent(ctx context.Context, ev ami.Event) error {
	id := ev.BridgeUniqueid
	if id == "" {
		return nil
	}
	key := bridgeKey(id)
	w := newWriter(ctx, r.rdb, r.now(), r.ttl)

	if len(ev.Fields) > 0 {
		w.hset(key, hashArgs(ev.Fields)...)
	}
	if ev.Name != "" {
		w.addNX(key+"/events", ev.Name)
	}
	if ev.Uniqueid != "" {
		w.addNX(key+"/channels", ev.Uniqueid)
	}
	if ev.Linkedid != "" {
		w.addNX(channelKey(ev.Linkedid)+"/bridges", id)
	}
	if ev.Name == "BlindTransfer" {
		w.hset(key, "blindTransfer", "1")
	}
	w.changed(changedBridgesKey, id)

	if err := w.exec(); err != nil {
		return fmt.Errorf("storage: save bridge %s: %w", id, err)
	}
	return nil
}

// GetBridge returns every field stored for bridge id.
func (r *BridgeRepository) GetBridge(ctx context.Context, id string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, bridgeKey(id)).Result()
}

// BridgeChannelIDs returns the channels that entered bridge id.
func (r *BridgeRepository) BridgeChannelIDs(ctx context.Context, id string) ([]string, error) {
	return r.rdb.ZRangeByScore(ctx, bridgeKey(id)+"/channels", &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
}

// ChannelBridgeIDs returns the bridges of session id.
func (r *BridgeRepository) ChannelBridgeIDs(ctx context.Context, id string) ([]string, error) {
	return r.rdb.ZRangeByScore(ctx, channelKey(id)+"/bridges", &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
}

// ChannelBridges returns the stored bridges of session id.
func (r *BridgeRepository) ChannelBridges(ctx context.Context, id string) ([]map[string]string, error) {
	ids, err := r.ChannelBridgeIDs(ctx, id)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, b := range ids {
		cmds[i] = pipe.HGetAll(ctx, bridgeKey(b))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]map[string]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Val()
	}
	return out, nil
}

// ChangedBridges returns every bridge in the change log.
func (r *BridgeRepository) ChangedBridges(ctx context.Context) ([]string, error) {
	return r.rdb.ZRangeByScore(ctx, changedBridgesKey, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
}
