package ami

import (
	"context"
	"time"

	"github.com/gaspardpetit/amilink/internal/logx"
)

// keepalive calls ping at every tick until ctx ends. Failures are logged and
// the ticker keeps running.
func keepalive(ctx context.Context, interval time.Duration, ping func(context.Context) error) {
	if interval <= 0 || ping == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			err := ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				logx.Log.Error().Err(err).Msg("ami keepalive failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
