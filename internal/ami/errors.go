package ami

import (
	"errors"
	"strings"
)

var (
	// ErrClosed rejects actions that were outstanding when the client closed
	// and actions submitted afterwards.
	ErrClosed = errors.New("ami: client closed")

	// ErrActionTimeout rejects actions that got no response within the
	// configured action timeout.
	ErrActionTimeout = errors.New("ami: action timed out")
)

// ActionError is returned for a response whose status is not Success. It
// carries a copy of every pair of the response frame.
type ActionError struct {
	ActionID string
	Fields   []KeyValue
}

func (e *ActionError) Error() string {
	var b strings.Builder
	b.WriteString("ami: action ")
	b.WriteString(e.ActionID)
	b.WriteString(" failed:")
	for _, kv := range e.Fields {
		b.WriteByte(' ')
		b.WriteString(kv.Key)
		b.WriteByte(' ')
		b.WriteString(kv.Value)
	}
	return b.String()
}

// Message returns the Message field of the response, if any.
func (e *ActionError) Message() string {
	v, _ := lookup(e.Fields, "Message")
	return v
}
