package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/amilink/internal/ami"
)

// Dialplan contexts the CRM side looks for in a channel history.
const (
	ContextFromInternal = "from-internal"
	ContextFromLocal    = "from-local"
	ContextFromTrunk    = "from-trunk"
	ContextFromGroup    = "ext-group"
	ContextCallback     = "ext-callback-to-queue"
	ContextFromQueue    = "ext-queues"
)

var channelEvents = map[string]bool{"Newchannel": true, "Hangup": true, "VarSet": true}

// IsChannelEvent reports whether events named name update a channel.
func IsChannelEvent(name string) bool { return channelEvents[name] }

// fields copied from a leg onto the session's leg-A channel.
var sessionFields = []string{"RingGroupMethod", ami.VarNoLead, ami.VarDTMF}

// ChannelRepository stores channels under channels/<Uniqueid>:
//
//	channels/<id>                  hash of every field seen
//	channels/<id>/context          contexts the channel went through
//	channels/<id>/exten            extensions dialed
//	channels/<id>/events           event names received
//	channels/<session>/channels    channels of the session
//	channels/<session>/context/<c> session channels seen in context c
//	changes/channels               session ids by last change time
//
// The session id is the Linkedid, which is the Uniqueid of leg-A.
type ChannelRepository struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewChannelRepository returns a repository whose keys expire ttl after their
// last update.
func NewChannelRepository(rdb redis.UniversalClient, ttl time.Duration) *ChannelRepository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ChannelRepository{rdb: rdb, ttl: ttl, now: time.Now}
}

// SaveChannelEvent merges a channel-like event into the channel history.
func (r *ChannelRepository) SaveChannelEvent(ctx context.Context, ev ami.Event) error {
	if ev.Uniqueid == "" {
		return nil
	}
	id := ev.Uniqueid
	key := channelKey(id)
	session := ev.Linkedid
	if session == "" {
		session = id
	}
	w := newWriter(ctx, r.rdb, r.now(), r.ttl)

	if len(ev.Fields) > 0 {
		w.hset(key, hashArgs(ev.Fields)...)
	}
	if ev.Variable != "" {
		w.hset(key, ev.Variable, ev.Value)
	}

	w.addNX(channelKey(session)+"/channels", id)

	if ev.Context != "" {
		w.addNX(key+"/context", ev.Context)
		w.addNX(channelKey(session)+"/context/"+ev.Context, id)
	}
	if strings.Contains(ev.Channel, "Local/") {
		w.addNX(key+"/context", ContextFromLocal)
		w.addNX(channelKey(session)+"/context/"+ContextFromLocal, id)
	}
	if ev.Exten != "" {
		w.addNX(key+"/exten", ev.Exten)
	}
	if ev.Name != "" {
		w.addNX(key+"/events", ev.Name)
	}

	if ev.Linkedid != "" {
		flat := ev.Flatten()
		for _, f := range sessionFields {
			if v := flat[f]; v != "" {
				w.pipe.HSet(ctx, channelKey(ev.Linkedid), f, v)
			}
		}
	}
	if ev.IsLegA() {
		w.hset(key, "isLinkedChannel", "true")
	}

	w.changed(changedChannelsKey, session)
	if err := w.exec(); err != nil {
		return fmt.Errorf("storage: save channel %s: %w", id, err)
	}
	return nil
}

// SetChangeTime records a change of channel id at t.
func (r *ChannelRepository) SetChangeTime(ctx context.Context, id string, t time.Time) error {
	return r.rdb.ZAdd(ctx, changedChannelsKey, redis.Z{Score: score(t), Member: id}).Err()
}

// GetChannel returns every field stored for channel id. A missing channel
// yields an empty map.
func (r *ChannelRepository) GetChannel(ctx context.Context, id string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, channelKey(id)).Result()
}

// Exists reports whether channel id is still stored.
func (r *ChannelRepository) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Exists(ctx, channelKey(id)).Result()
	return n > 0, err
}

// Delete removes the channel hashes of ids.
func (r *ChannelRepository) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = channelKey(id)
	}
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *ChannelRepository) members(ctx context.Context, key string) ([]string, error) {
	return r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
}

// SessionChannelIDs returns the Uniqueids of the channels of session id in
// the order they appeared.
func (r *ChannelRepository) SessionChannelIDs(ctx context.Context, id string) ([]string, error) {
	return r.members(ctx, channelKey(id)+"/channels")
}

// SessionChannels returns the stored channels of session id.
func (r *ChannelRepository) SessionChannels(ctx context.Context, id string) ([]map[string]string, error) {
	ids, err := r.SessionChannelIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.getMany(ctx, ids)
}

// SessionContextChannelIDs returns the session channels seen in the
// dialplan context.
func (r *ChannelRepository) SessionContextChannelIDs(ctx context.Context, id, dialplan string) ([]string, error) {
	return r.members(ctx, channelKey(id)+"/context/"+dialplan)
}

// SessionContextChannels returns the stored session channels seen in the
// dialplan context.
func (r *ChannelRepository) SessionContextChannels(ctx context.Context, id, dialplan string) ([]map[string]string, error) {
	ids, err := r.SessionContextChannelIDs(ctx, id, dialplan)
	if err != nil {
		return nil, err
	}
	return r.getMany(ctx, ids)
}

func (r *ChannelRepository) getMany(ctx context.Context, ids []string) ([]map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, channelKey(id))
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

// ChannelContexts returns the contexts channel id went through.
func (r *ChannelRepository) ChannelContexts(ctx context.Context, id string) ([]string, error) {
	return r.members(ctx, channelKey(id)+"/context")
}

// ChannelExtens returns the extensions dialed by channel id.
func (r *ChannelRepository) ChannelExtens(ctx context.Context, id string) ([]string, error) {
	return r.members(ctx, channelKey(id)+"/exten")
}

// HasContext reports whether channel id ever went through the dialplan
// context.
func (r *ChannelRepository) HasContext(ctx context.Context, id, dialplan string) (bool, error) {
	err := r.rdb.ZScore(ctx, channelKey(id)+"/context", dialplan).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

// CreationTime returns when the first context of channel id was recorded.
func (r *ChannelRepository) CreationTime(ctx context.Context, id string) (time.Time, error) {
	zs, err := r.rdb.ZRangeWithScores(ctx, channelKey(id)+"/context", 0, 0).Result()
	if err != nil || len(zs) == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(zs[0].Score)), nil
}

// ChangedChannels returns the sessions changed up to now that still exist.
// Vanished sessions are pruned from the change log; live ones are
// rescheduled one minute ahead so they are polled again.
func (r *ChannelRepository) ChangedChannels(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, changedChannelsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	pipe := r.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, channelKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var live, gone []any
	var out []string
	for i, id := range ids {
		if exists[i].Val() > 0 {
			out = append(out, id)
			live = append(live, id)
		} else {
			gone = append(gone, id)
		}
	}

	pipe = r.rdb.Pipeline()
	if len(gone) > 0 {
		pipe.ZRem(ctx, changedChannelsKey, gone...)
	}
	next := score(now.Add(changeRecheck))
	for _, id := range live {
		pipe.ZAdd(ctx, changedChannelsKey, redis.Z{Score: next, Member: id})
	}
	if len(gone) > 0 || len(live) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}
