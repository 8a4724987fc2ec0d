package ami

import (
	"context"

	"github.com/gaspardpetit/amilink/internal/ami/codec"
)

// KeyValue is one line of a frame.
type KeyValue struct {
	Key   string
	Value string
}

// Event is an owned snapshot of an unsolicited frame. The well-known fields
// are promoted; Fields keeps every pair in wire order.
type Event struct {
	Name           string
	Uniqueid       string
	Linkedid       string
	BridgeUniqueid string
	Context        string
	Channel        string
	Exten          string
	CallerIDNum    string
	Variable       string
	Value          string

	Fields []KeyValue
}

// newEvent copies the current frame out of the decoder view. A frame with a
// Uniqueid but no Linkedid is its own leg-A, so Linkedid falls back to
// Uniqueid.
func newEvent(r codec.Reader) Event {
	ev := Event{Fields: copyFields(r)}
	get := func(f codec.Field) string {
		v, _ := codec.Lookup(r, f)
		return string(v)
	}
	ev.Name = get(codec.FieldEvent)
	ev.Uniqueid = get(codec.FieldUniqueid)
	ev.Linkedid = get(codec.FieldLinkedid)
	ev.BridgeUniqueid = get(codec.FieldBridgeUniqueid)
	ev.Context = get(codec.FieldContext)
	ev.Channel = get(codec.FieldChannel)
	ev.Exten = get(codec.FieldExten)
	ev.CallerIDNum = get(codec.FieldCallerIDNum)
	ev.Variable = get(codec.FieldVariable)
	ev.Value = get(codec.FieldValue)
	if !r.Index().Has(codec.FieldLinkedid) && r.Index().Has(codec.FieldUniqueid) {
		ev.Linkedid = ev.Uniqueid
	}
	return ev
}

func copyFields(r codec.Reader) []KeyValue {
	n := r.KeyCount()
	out := make([]KeyValue, n)
	for i := 0; i < n; i++ {
		out[i] = KeyValue{Key: string(r.Key(i)), Value: string(r.Value(i))}
	}
	return out
}

// lookup returns the value of the last pair named key.
func lookup(fields []KeyValue, key string) (string, bool) {
	for i := len(fields) - 1; i >= 0; i-- {
		if fields[i].Key == key {
			return fields[i].Value, true
		}
	}
	return "", false
}

// Get returns the value of the last pair named key.
func (e Event) Get(key string) (string, bool) { return lookup(e.Fields, key) }

// IsLegA reports whether the event belongs to the primary leg of a call.
func (e Event) IsLegA() bool { return e.Uniqueid != "" && e.Uniqueid == e.Linkedid }

// Flatten returns the pairs as a map. Later pairs overwrite earlier ones,
// and the current Variable/Value pair is added as one more entry.
func (e Event) Flatten() map[string]string {
	m := make(map[string]string, len(e.Fields)+1)
	for _, kv := range e.Fields {
		m[kv.Key] = kv.Value
	}
	if e.Variable != "" {
		m[e.Variable] = e.Value
	}
	return m
}

// EventConsumer handles dispatched events. HandleEvent is called from the
// dispatch workers concurrently, so events may be seen out of order.
type EventConsumer interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// EventConsumerFunc adapts a function to the EventConsumer interface.
type EventConsumerFunc func(ctx context.Context, ev Event) error

func (f EventConsumerFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }
