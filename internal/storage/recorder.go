package storage

import (
	"context"
	"time"

	"github.com/gaspardpetit/amilink/internal/ami"
)

// Recorder is the ami.EventConsumer that writes channel and bridge history.
// Events of any other kind are ignored.
type Recorder struct {
	Channels *ChannelRepository
	Bridges  *BridgeRepository
}

// NewRecorder returns a Recorder writing to both repositories.
func NewRecorder(channels *ChannelRepository, bridges *BridgeRepository) *Recorder {
	return &Recorder{Channels: channels, Bridges: bridges}
}

// HandleEvent implements ami.EventConsumer.
func (r *Recorder) HandleEvent(ctx context.Context, ev ami.Event) error {
	switch {
	case IsChannelEvent(ev.Name):
		return r.Channels.SaveChannelEvent(ctx, ev)
	case IsBridgeEvent(ev.Name):
		if err := r.Bridges.SaveBridgeEvent(ctx, ev); err != nil {
			return err
		}
		now := time.Now()
		if ev.Linkedid != "" {
			if err := r.Channels.SetChangeTime(ctx, ev.Linkedid, now); err != nil {
				return err
			}
		}
		if ev.Uniqueid != "" {
			return r.Channels.SetChangeTime(ctx, ev.Uniqueid, now)
		}
	}
	return nil
}

var _ ami.EventConsumer = (*Recorder)(nil)
