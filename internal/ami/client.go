// Package ami is the Asterisk Manager Interface client.
//
// A Client sits between a transport connection and an EventConsumer. On every
// connection it logs in, subscribes to events and starts a keepalive ping.
// Decoded frames that carry an ActionID settle the matching pending Action;
// all other frames become Events and are handed to the consumer by a pool of
// dispatch workers.
package ami

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/amilink/internal/ami/codec"
	"github.com/gaspardpetit/amilink/internal/ami/transport"
	"github.com/gaspardpetit/amilink/internal/logx"
	"github.com/gaspardpetit/amilink/internal/metrics"
)

const statusSuccess = "Success"

const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultActionTimeout     = 30 * time.Second
	DefaultWorkers           = 100
	DefaultEventMask         = "all"
)

// State is the handshake state of the client.
type State int32

const (
	Idle State = iota
	AwaitingLogin
	AwaitingSubscribe
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingLogin:
		return "awaiting_login"
	case AwaitingSubscribe:
		return "awaiting_subscribe"
	case Ready:
		return "ready"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Conn is the connection the client drives. *transport.Transport satisfies
// it.
type Conn interface {
	Run(ctx context.Context, h transport.Handler) error
	Send(p []byte) error
}

// Config holds the client settings.
type Config struct {
	Username  string
	Secret    string
	EventMask string
	// KeepaliveInterval is the Ping period once the handshake is done.
	KeepaliveInterval time.Duration
	// ActionTimeout evicts actions left without a response. Zero waits
	// forever.
	ActionTimeout time.Duration
	// Workers is the number of event dispatch workers.
	Workers int
	Limits  codec.Limits
}

// DefaultConfig returns the default settings without credentials.
func DefaultConfig() Config {
	return Config{
		EventMask:         DefaultEventMask,
		KeepaliveInterval: DefaultKeepaliveInterval,
		ActionTimeout:     DefaultActionTimeout,
		Workers:           DefaultWorkers,
		Limits:            codec.DefaultLimits(),
	}
}

// Client is the AMI protocol client.
type Client struct {
	cfg      Config
	conn     Conn
	decoder  *codec.Decoder
	pending  *pendingSet
	dispatch *dispatcher

	nextID atomic.Uint64
	state  atomic.Int32

	closeMu sync.RWMutex
	closed  bool

	kaMu   sync.Mutex
	kaStop context.CancelFunc
}

// NewClient creates a client sending through conn and delivering events to
// consumer. The dispatch workers start immediately; call Close to stop them.
func NewClient(conn Conn, consumer EventConsumer, cfg Config) *Client {
	if cfg.EventMask == "" {
		cfg.EventMask = DefaultEventMask
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.ActionTimeout < 0 {
		cfg.ActionTimeout = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	c := &Client{
		cfg:      cfg,
		conn:     conn,
		pending:  newPendingSet(),
		dispatch: newDispatcher(cfg.Workers, consumer),
	}
	c.decoder = codec.New(cfg.Limits, c)
	return c
}

// Run drives the connection until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	return c.conn.Run(ctx, c)
}

// OnConnecting resets the decoder before every connection attempt.
func (c *Client) OnConnecting() {
	c.decoder.Reset()
	c.setState(Idle)
}

// OnConnected logs in, subscribes to events and starts the keepalive, each
// step waiting for the previous one.
func (c *Client) OnConnected(ctx context.Context) error {
	c.setState(AwaitingLogin)
	if _, err := c.SendCommand(ctx, Login(c.cfg.Username, c.cfg.Secret)); err != nil {
		return fmt.Errorf("ami: login as %q: %w", c.cfg.Username, err)
	}

	c.setState(AwaitingSubscribe)
	if _, err := c.SendCommand(ctx, Events(c.cfg.EventMask)); err != nil {
		return fmt.Errorf("ami: subscribe %q: %w", c.cfg.EventMask, err)
	}

	c.setState(Ready)
	c.startKeepalive(ctx)
	logx.Log.Info().Str("username", c.cfg.Username).Str("event_mask", c.cfg.EventMask).Msg("ami session ready")
	return nil
}

// OnData feeds inbound bytes to the decoder.
func (c *Client) OnData(p []byte) error {
	return c.decoder.Append(p)
}

// OnDisconnected stops the keepalive. Pending actions stay registered until
// they get a response, time out or the client closes.
func (c *Client) OnDisconnected(err error) {
	c.stopKeepalive()
	c.setState(Idle)
}

// OnFrame routes one decoded frame.
func (c *Client) OnFrame(r codec.Reader) {
	if id, ok := codec.Lookup(r, codec.FieldActionID); ok {
		c.onResponse(string(id), r)
		return
	}
	ev := newEvent(r)
	if !c.dispatch.enqueue(ev) {
		metrics.RecordEvent(metrics.OutcomeDiscarded)
	}
}

func (c *Client) onResponse(id string, r codec.Reader) {
	a, ok := c.pending.take(id)
	if !ok {
		logx.Log.Debug().Str("action_id", id).Msg("response for unknown action dropped")
		return
	}
	fields := copyFields(r)
	status, _ := codec.Lookup(r, codec.FieldResponse)
	if string(status) == statusSuccess {
		c.finish(a, &Response{ActionID: id, Status: statusSuccess, Fields: fields}, nil)
		return
	}
	err := &ActionError{ActionID: id, Fields: fields}
	logx.Log.Debug().Str("action_id", id).Str("action", a.Name).Err(err).Msg("action failed")
	c.finish(a, nil, err)
}

// Submit sends text as an action and returns its completion handle. The
// ActionID and the frame terminator are appended here. A failed write
// settles the action with the write error before Submit returns.
func (c *Client) Submit(text string) *Action {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	a := newAction(id, actionName(text))
	a.evict = func(err error) {
		if p, ok := c.pending.take(id); ok {
			c.finish(p, nil, err)
		}
	}

	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		c.finish(a, nil, ErrClosed)
		return a
	}
	c.pending.add(a)
	c.closeMu.RUnlock()

	if d := c.cfg.ActionTimeout; d > 0 {
		a.expireAfter(d, fmt.Errorf("%w: %s %s after %s", ErrActionTimeout, a.Name, id, d))
	}

	wire := text + lineEnd + "ActionID: " + id + lineEnd + lineEnd
	if err := c.conn.Send([]byte(wire)); err != nil {
		a.evict(fmt.Errorf("ami: send %s %s: %w", a.Name, id, err))
	}
	return a
}

// SendCommand submits text and waits for the response.
func (c *Client) SendCommand(ctx context.Context, text string) (*Response, error) {
	return c.Submit(text).Wait(ctx)
}

func (c *Client) finish(a *Action, resp *Response, err error) {
	if !a.settle(resp, err) {
		return
	}
	outcome := metrics.OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrActionTimeout):
		outcome = metrics.OutcomeTimeout
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.OutcomeCancelled
	default:
		outcome = metrics.OutcomeError
	}
	metrics.RecordAction(a.Name, outcome, time.Since(a.sent))
}

// Login sends the Login action with the configured credentials.
func (c *Client) Login(ctx context.Context) (*Response, error) {
	return c.SendCommand(ctx, Login(c.cfg.Username, c.cfg.Secret))
}

// Ping sends the Ping action.
func (c *Client) Ping(ctx context.Context) (*Response, error) {
	return c.SendCommand(ctx, Ping())
}

// Events changes the event subscription.
func (c *Client) Events(ctx context.Context, mask string) (*Response, error) {
	return c.SendCommand(ctx, Events(mask))
}

// Originate sends the Originate action.
func (c *Client) Originate(ctx context.Context, o OriginateOptions) (*Response, error) {
	return c.SendCommand(ctx, Originate(o))
}

// PlayDTMF plays digit on channel.
func (c *Client) PlayDTMF(ctx context.Context, channel, digit string) (*Response, error) {
	return c.SendCommand(ctx, PlayDTMF(channel, digit))
}

// Reload reloads module, or every module when empty.
func (c *Client) Reload(ctx context.Context, module string) (*Response, error) {
	return c.SendCommand(ctx, Reload(module))
}

func (c *Client) startKeepalive(ctx context.Context) {
	kctx, cancel := context.WithCancel(ctx)
	c.kaMu.Lock()
	if c.kaStop != nil {
		c.kaStop()
	}
	c.kaStop = cancel
	c.kaMu.Unlock()

	go keepalive(kctx, c.cfg.KeepaliveInterval, func(ctx context.Context) error {
		_, err := c.Ping(ctx)
		return err
	})
}

func (c *Client) stopKeepalive() {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	if c.kaStop != nil {
		c.kaStop()
		c.kaStop = nil
	}
}

// Close stops the keepalive, rejects every pending action with ErrClosed
// and waits for the dispatch backlog to drain. If ctx ends first the rest of
// the backlog is discarded. Close does not stop Run; cancel its context.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.stopKeepalive()
	for _, a := range c.pending.drain() {
		c.finish(a, nil, ErrClosed)
	}
	return c.dispatch.close(ctx)
}

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// State returns the handshake state.
func (c *Client) State() State { return State(c.state.Load()) }

// PendingActions returns the number of actions awaiting a response.
func (c *Client) PendingActions() int { return c.pending.len() }

// EventBacklog returns the number of events waiting for a dispatch worker.
func (c *Client) EventBacklog() int { return c.dispatch.backlog() }

// MessageCount returns the number of frames decoded.
func (c *Client) MessageCount() uint64 { return c.decoder.FrameCount() }

// DecodedBytes returns the number of bytes fed to the decoder.
func (c *Client) DecodedBytes() uint64 { return c.decoder.ByteCount() }

// ResetMessageCount zeroes the decoded frame counter.
func (c *Client) ResetMessageCount() { c.decoder.ResetFrameCount() }

// ResetDecodedBytes zeroes the decoded byte counter.
func (c *Client) ResetDecodedBytes() { c.decoder.ResetByteCount() }

var _ transport.Handler = (*Client)(nil)
var _ codec.Listener = (*Client)(nil)
