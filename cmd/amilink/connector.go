package main

import (
	"context"

	"github.com/gaspardpetit/amilink/internal/ami"
	"github.com/gaspardpetit/amilink/internal/ami/transport"
	"github.com/gaspardpetit/amilink/internal/config"
	"github.com/gaspardpetit/amilink/internal/logx"
	"github.com/gaspardpetit/amilink/internal/metrics"
	"github.com/gaspardpetit/amilink/internal/queue"
	"github.com/gaspardpetit/amilink/internal/status"
)

// connector joins the transport and the client for the status surface and
// the metrics gauges.
type connector struct {
	name      string
	transport *transport.Transport
	client    *ami.Client
}

func (c *connector) ReadBytes() uint64    { return c.transport.ReadBytes() }
func (c *connector) SentBytes() uint64    { return c.transport.SentBytes() }
func (c *connector) MessageCount() uint64 { return c.client.MessageCount() }
func (c *connector) PendingActions() int  { return c.client.PendingActions() }
func (c *connector) EventBacklog() int    { return c.client.EventBacklog() }

func (c *connector) Ready() bool { return c.client.State() == ami.Ready }

func (c *connector) Status() status.State {
	return status.State{
		Instance:       c.name,
		Addr:           c.transport.Addr(),
		Connection:     c.transport.State().String(),
		Client:         c.client.State().String(),
		Reconnecting:   c.transport.Reconnecting(),
		ReconnectArms:  c.transport.ReconnectArms(),
		ReadBytes:      c.transport.ReadBytes(),
		SentBytes:      c.transport.SentBytes(),
		MessageCount:   c.client.MessageCount(),
		PendingActions: c.client.PendingActions(),
		EventBacklog:   c.client.EventBacklog(),
	}
}

var (
	_ metrics.Source  = (*connector)(nil)
	_ status.Reporter = (*connector)(nil)
)

func transportConfig(a config.Asterisk) transport.Config {
	return transport.Config{
		Host:              a.Host,
		Port:              a.Port,
		ConnectTimeout:    a.ConnectTimeout,
		IdleTimeout:       a.IdleTimeout,
		ReconnectInterval: a.ReconnectInterval,
		WriteTimeout:      a.WriteTimeout,
	}
}

func clientConfig(a config.Asterisk) ami.Config {
	cfg := ami.DefaultConfig()
	cfg.Username = a.Username
	cfg.Secret = a.Secret
	cfg.EventMask = a.EventMask
	cfg.KeepaliveInterval = a.KeepaliveInterval
	if a.ActionTimeout != nil {
		cfg.ActionTimeout = *a.ActionTimeout
	}
	cfg.Workers = a.Workers
	return cfg
}

func queueOptions(s config.Storage) queue.Options {
	return queue.Options{
		Stream:         s.Stream,
		Group:          s.Group,
		Consumer:       s.Consumer,
		ResponseStream: s.Stream,
		MaxLen:         s.MaxLen,
		Batch:          s.Batch,
	}
}

// logEvent is the event consumer used when no Redis is configured.
func logEvent(_ context.Context, ev ami.Event) error {
	logx.Log.Debug().
		Str("event", ev.Name).
		Str("uniqueid", ev.Uniqueid).
		Str("linkedid", ev.Linkedid).
		Msg("event")
	return nil
}
