// Package queue is the Redis streams work queue that feeds requests to the
// connector and carries results back.
//
// A message is a stream entry with three fields: className names the
// payload type, jsonSerializedData holds the payload and responseStream
// names the stream results go to. Publishers announce new entries with a
// PUBLISH on a channel named after the stream.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/amilink/internal/logx"
)

const (
	fieldClass    = "className"
	fieldData     = "jsonSerializedData"
	fieldResponse = "responseStream"

	// DefaultMaxLen caps the stream length on XADD.
	DefaultMaxLen = 100_000
	// DefaultBatch is the number of entries read per XREADGROUP.
	DefaultBatch = 10
)

// Message is one stream entry delivered to a consumer group.
type Message struct {
	ID             string
	Stream         string
	Group          string
	ClassName      string
	JSONData       string
	ResponseStream string
}

// Handler processes one message. The message is acknowledged and deleted
// whatever the handler returns.
type Handler func(ctx context.Context, m Message) error

// Options configures an Endpoint.
type Options struct {
	// Stream is both the stream read by Subscribe and its notification
	// channel.
	Stream   string
	Group    string
	Consumer string
	// ResponseStream is used by Publish when the caller gives none.
	ResponseStream string
	MaxLen         int64
	Batch          int64
}

// Endpoint reads and writes work queue messages.
type Endpoint struct {
	rdb  redis.UniversalClient
	opts Options
	log  zerolog.Logger
}

// NewEndpoint returns an Endpoint over rdb. Group defaults to the stream
// name; Consumer defaults to the group name plus a random suffix.
func NewEndpoint(rdb redis.UniversalClient, opts Options) *Endpoint {
	if opts.Group == "" {
		opts.Group = opts.Stream
	}
	if opts.Consumer == "" {
		opts.Consumer = opts.Group + "-" + uuid.NewString()[:8]
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultMaxLen
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	return &Endpoint{
		rdb:  rdb,
		opts: opts,
		log: logx.Component("queue").With().
			Str("stream", opts.Stream).
			Str("group", opts.Group).
			Str("consumer", opts.Consumer).
			Logger(),
	}
}

// Stream returns the stream the endpoint consumes.
func (e *Endpoint) Stream() string { return e.opts.Stream }

// Consumer returns the consumer name used in the group.
func (e *Endpoint) Consumer() string { return e.opts.Consumer }

// EnsureGroup creates the consumer group, and the stream if needed, starting
// from the first entry. An existing group is not an error.
func (e *Endpoint) EnsureGroup(ctx context.Context) error {
	err := e.rdb.XGroupCreateMkStream(ctx, e.opts.Stream, e.opts.Group, "0").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		e.log.Warn().Msg("group exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: create group %s on %s: %w", e.opts.Group, e.opts.Stream, err)
	}
	return nil
}

// Publish appends data, JSON encoded under className, to stream and
// notifies its subscribers. It returns the entry id.
func (e *Endpoint) Publish(ctx context.Context, stream, className string, data any, responseStream string) (string, error) {
	payload, err := encode(data)
	if err != nil {
		return "", err
	}
	if responseStream == "" {
		responseStream = e.opts.ResponseStream
	}
	id, err := e.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: e.opts.MaxLen,
		Approx: true,
		Values: []any{
			fieldData, payload,
			fieldClass, className,
			fieldResponse, responseStream,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: xadd %s: %w", stream, err)
	}
	e.log.Debug().Str("to", stream).Str("class", className).Str("id", id).Msg("published")
	return id, e.Notify(ctx, stream)
}

// Notify wakes the subscribers of stream.
func (e *Endpoint) Notify(ctx context.Context, stream string) error {
	if err := e.rdb.Publish(ctx, stream, "1").Err(); err != nil {
		return fmt.Errorf("queue: notify %s: %w", stream, err)
	}
	return nil
}

// Read returns up to Batch entries never delivered to the group. It does not
// block.
func (e *Endpoint) Read(ctx context.Context) ([]Message, error) {
	streams, err := e.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    e.opts.Group,
		Consumer: e.opts.Consumer,
		Streams:  []string{e.opts.Stream, ">"},
		Count:    e.opts.Batch,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: xreadgroup %s: %w", e.opts.Stream, err)
	}
	var out []Message
	for _, s := range streams {
		for _, x := range s.Messages {
			out = append(out, Message{
				ID:             x.ID,
				Stream:         s.Stream,
				Group:          e.opts.Group,
				ClassName:      str(x.Values[fieldClass]),
				JSONData:       str(x.Values[fieldData]),
				ResponseStream: str(x.Values[fieldResponse]),
			})
		}
	}
	return out, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// Ack acknowledges m in its group.
func (e *Endpoint) Ack(ctx context.Context, m Message) error {
	return e.rdb.XAck(ctx, m.Stream, m.Group, m.ID).Err()
}

// Del removes m from its stream.
func (e *Endpoint) Del(ctx context.Context, m Message) error {
	return e.rdb.XDel(ctx, m.Stream, m.ID).Err()
}

// Subscribe drains the stream once, then again on every notification, until
// ctx ends. Each message goes to h, then is acknowledged and deleted.
func (e *Endpoint) Subscribe(ctx context.Context, h Handler) error {
	sub := e.rdb.Subscribe(ctx, e.opts.Stream)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("queue: subscribe %s: %w", e.opts.Stream, err)
	}
	notes := sub.Channel()
	e.log.Info().Msg("subscribed")

	e.drainLogged(ctx, h)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-notes:
			if !ok {
				return fmt.Errorf("queue: subscription to %s closed", e.opts.Stream)
			}
			e.drainLogged(ctx, h)
		}
	}
}

func (e *Endpoint) drainLogged(ctx context.Context, h Handler) {
	if err := e.Drain(ctx, h); err != nil && ctx.Err() == nil {
		e.log.Error().Err(err).Msg("drain failed")
	}
}

// Drain handles pending entries until a read comes back empty.
func (e *Endpoint) Drain(ctx context.Context, h Handler) error {
	for {
		msgs, err := e.Read(ctx)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, m := range msgs {
			if err := h(ctx, m); err != nil {
				e.log.Error().Err(err).Str("id", m.ID).Str("class", m.ClassName).Msg("handler failed")
			}
			if err := e.Ack(ctx, m); err != nil {
				return fmt.Errorf("queue: ack %s: %w", m.ID, err)
			}
			if err := e.Del(ctx, m); err != nil {
				return fmt.Errorf("queue: del %s: %w", m.ID, err)
			}
		}
	}
}
