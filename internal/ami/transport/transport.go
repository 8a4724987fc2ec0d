// Package transport owns the TCP connection to the Asterisk manager port.
//
// A Transport runs a single connection loop: it dials, streams every chunk it
// reads to a Handler, closes the socket when nothing arrives within the idle
// timeout and, after any disconnect, waits on a repeating reconnect timer
// before dialing again.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/amilink/internal/logx"
	"github.com/gaspardpetit/amilink/internal/metrics"
	"github.com/gaspardpetit/amilink/internal/reconnect"
)

var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrIdleTimeout    = errors.New("transport: idle timeout")
	ErrClosedByPeer   = errors.New("transport: connection closed by peer")
	ErrAlreadyRunning = errors.New("transport: already running")
)

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Handler receives the connection lifecycle and the inbound byte stream.
// OnConnecting, OnData and OnDisconnected are called from the Run goroutine.
// OnConnected runs on its own goroutine so it can wait for replies; its
// context ends with the connection. A non-nil return drops the connection.
type Handler interface {
	OnConnecting()
	OnConnected(ctx context.Context) error
	OnData(p []byte) error
	OnDisconnected(err error)
}

// Dialer opens the TCP connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// Config holds the connection settings.
type Config struct {
	Host              string
	Port              int
	ConnectTimeout    time.Duration
	IdleTimeout       time.Duration
	ReconnectInterval time.Duration
	// WriteTimeout bounds a single Send. Zero means no deadline.
	WriteTimeout   time.Duration
	ReadBufferSize int
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 5038
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = reconnect.DefaultInterval
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 64 << 10
	}
	return c
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the default net.Dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// Transport is the connection state machine. Only Run dials, and Run refuses
// to start twice, so there is never more than one connection attempt.
type Transport struct {
	cfg    Config
	dialer Dialer
	timer  *reconnect.Timer

	running atomic.Bool
	state   atomic.Int32

	connMu  sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	readBytes atomic.Uint64
	sentBytes atomic.Uint64
}

// New creates a disconnected Transport.
func New(cfg Config, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:    cfg,
		dialer: &net.Dialer{},
		timer:  reconnect.New(cfg.ReconnectInterval),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Run connects and keeps reconnecting until ctx ends. It returns ctx.Err()
// on shutdown and ErrAlreadyRunning if another Run is active.
func (t *Transport) Run(ctx context.Context, h Handler) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer t.running.Store(false)
	defer t.timer.Disarm()

	for {
		err := t.session(ctx, h)
		t.setState(Disconnected)
		metrics.SetConnected(false)
		h.OnDisconnected(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if t.timer.Arm() {
			logx.Log.Warn().Err(err).Str("addr", t.cfg.Addr()).
				Dur("interval", t.timer.Interval()).Msg("ami connection lost; reconnecting")
		} else {
			logx.Log.Debug().Err(err).Str("addr", t.cfg.Addr()).Msg("ami connection attempt failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.timer.C():
			metrics.RecordReconnect()
		}
	}
}

// session runs one connection from dial to disconnect and returns its cause.
func (t *Transport) session(ctx context.Context, h Handler) error {
	t.setState(Connecting)
	h.OnConnecting()

	addr := t.cfg.Addr()
	dctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	conn, err := t.dialer.DialContext(dctx, "tcp", addr)
	cancel()
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	t.timer.Disarm()
	t.setConn(conn)
	t.setState(Connected)
	metrics.SetConnected(true)
	logx.Log.Info().Str("addr", addr).Msg("ami connected")
	defer t.setConn(nil)

	sctx, scancel := context.WithCancel(ctx)
	defer scancel()
	stop := context.AfterFunc(sctx, func() { _ = conn.Close() })
	defer stop()

	var (
		once  sync.Once
		cause error
	)
	fail := func(err error) {
		once.Do(func() {
			cause = err
			_ = conn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := h.OnConnected(sctx); err != nil && sctx.Err() == nil {
			logx.Log.Error().Err(err).Str("addr", addr).Msg("ami connection setup failed")
			fail(fmt.Errorf("transport: connected hook: %w", err))
		}
	}()

	fail(t.readLoop(conn, h))
	scancel()
	wg.Wait()
	return cause
}

func (t *Transport) readLoop(conn net.Conn, h Handler) error {
	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		if t.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			t.readBytes.Add(uint64(n))
			if herr := h.OnData(buf[:n]); herr != nil {
				return fmt.Errorf("transport: inbound stream: %w", herr)
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrIdleTimeout
			}
			if errors.Is(err, io.EOF) {
				return ErrClosedByPeer
			}
			return fmt.Errorf("transport: read: %w", err)
		}
	}
}

// Send writes p to the connection. Concurrent calls are serialized.
func (t *Transport) Send(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn := t.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	n, err := conn.Write(p)
	t.sentBytes.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (t *Transport) setConn(c net.Conn) {
	t.connMu.Lock()
	t.conn = c
	t.connMu.Unlock()
}

func (t *Transport) currentConn() net.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

func (t *Transport) setState(s State) { t.state.Store(int32(s)) }

// State returns the current connection state.
func (t *Transport) State() State { return State(t.state.Load()) }

// Addr returns the remote address.
func (t *Transport) Addr() string { return t.cfg.Addr() }

// Reconnecting reports whether the reconnect timer is armed.
func (t *Transport) Reconnecting() bool { return t.timer.Armed() }

// ReconnectArms returns how many times the reconnect timer has been armed.
func (t *Transport) ReconnectArms() uint64 { return t.timer.Arms() }

// ReadBytes returns the number of bytes received since the last reset.
func (t *Transport) ReadBytes() uint64 { return t.readBytes.Load() }

// SentBytes returns the number of bytes written since the last reset.
func (t *Transport) SentBytes() uint64 { return t.sentBytes.Load() }

// ResetReadBytes zeroes the received byte counter.
func (t *Transport) ResetReadBytes() { t.readBytes.Store(0) }

// ResetSentBytes zeroes the written byte counter.
func (t *Transport) ResetSentBytes() { t.sentBytes.Store(0) }
