package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gaspardpetit/amilink/internal/ami"
	"github.com/gaspardpetit/amilink/internal/logx"
	"github.com/gaspardpetit/amilink/internal/metrics"
)

// Payload class names.
const (
	ClassOriginateRequest = "AmiOriginateRequest"
	ClassOriginateResult  = "AmiOriginateResult"
)

// ErrUnknownClass is returned by Decode for a class it cannot decode.
var ErrUnknownClass = errors.New("queue: unknown class")

// OriginateRequest asks the connector to originate a call.
type OriginateRequest struct {
	RequestID string               `json:"requestId,omitempty"`
	Data      ami.OriginateOptions `json:"data"`
}

// OriginateResult reports the outcome of an OriginateRequest.
type OriginateResult struct {
	RequestID string `json:"requestId"`
	MessageID string `json:"messageId"`
	ActionID  string `json:"actionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func encode(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("queue: encode: %w", err)
	}
	return string(b), nil
}

// Decode returns the typed payload of m.
func Decode(m Message) (any, error) {
	switch m.ClassName {
	case ClassOriginateRequest:
		var req OriginateRequest
		if err := json.Unmarshal([]byte(m.JSONData), &req); err != nil {
			return nil, fmt.Errorf("queue: decode %s %s: %w", m.ClassName, m.ID, err)
		}
		return &req, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownClass, m.ClassName)
}

// Originator places calls.
type Originator interface {
	Originate(ctx context.Context, o ami.OriginateOptions) (*ami.Response, error)
}

// OriginateHandler returns a Handler that runs originate requests on o and
// publishes an OriginateResult to the response stream of each request.
func OriginateHandler(e *Endpoint, o Originator) Handler {
	log := logx.Component("queue")
	return func(ctx context.Context, m Message) error {
		payload, err := Decode(m)
		if errors.Is(err, ErrUnknownClass) {
			metrics.RecordQueueMessage(m.ClassName, metrics.OutcomeUnknown)
			log.Warn().Str("class", m.ClassName).Str("id", m.ID).Msg("skipping message")
			return nil
		}
		if err != nil {
			metrics.RecordQueueMessage(m.ClassName, metrics.OutcomeFailed)
			return err
		}
		req := payload.(*OriginateRequest)

		res := OriginateResult{RequestID: req.RequestID, MessageID: m.ID}
		if res.RequestID == "" {
			res.RequestID = uuid.NewString()
		}
		log.Debug().Str("request_id", res.RequestID).Str("channel", req.Data.Channel).Msg("originate requested")

		resp, err := o.Originate(ctx, req.Data)
		switch {
		case err != nil:
			var ae *ami.ActionError
			if errors.As(err, &ae) {
				res.ActionID = ae.ActionID
			}
			res.Error = err.Error()
			metrics.RecordQueueMessage(m.ClassName, metrics.OutcomeFailed)
		default:
			res.ActionID = resp.ActionID
			metrics.RecordQueueMessage(m.ClassName, metrics.OutcomeHandled)
		}

		if m.ResponseStream != "" {
			if _, perr := e.Publish(ctx, m.ResponseStream, ClassOriginateResult, res, ""); perr != nil {
				return perr
			}
		}
		if err != nil {
			return fmt.Errorf("queue: originate %s: %w", res.RequestID, err)
		}
		return nil
	}
}
