package castprotocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

const (
	// DefaultPort is the Cast control channel port.
	DefaultPort = 8009

	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
	outboxSize   = 64
	readBufSize  = 4096
)

// ErrConnectionClosed is returned by Connect after Close was called.
var ErrConnectionClosed = errors.New("castprotocol: connection closed")

// ConnState is the transport state of a device control channel.
type ConnState int

const (
	ConnNone ConnState = iota
	ConnConnecting
	ConnConnected
	ConnError
)

func (s ConnState) String() string {
	switch s {
	case ConnNone:
		return "None"
	case ConnConnecting:
		return "Connecting"
	case ConnConnected:
		return "Connected"
	case ConnError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Handler receives what a Connection observes. Both methods are called from
// connection goroutines and must not block for long.
type Handler interface {
	HandleMessage(msg *pb.CastMessage)
	ConnectionStateChanged(state ConnState)
}

// DialFunc opens the transport to addr ("host:port").
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Connection owns the TLS control channel to one device.
//
// Transitions: None/Error -> Connecting on the first Send after start or after
// a fault (reconnect-on-demand), Connecting -> Connected once the handshake
// completes and the read loop runs, Connecting -> Error on dial or handshake
// failure, Connected -> Error on any read/write fault. Close moves to None.
//
// Messages queued before a reconnect are written on the new socket; if the old
// socket accepted part of a sequence the device can see request ids out of
// order. This is a known limitation.
type Connection struct {
	host    string
	port    int
	dial    DialFunc
	handler Handler

	mu     sync.RWMutex
	state  ConnState
	conn   net.Conn
	gen    uint64
	closed bool

	connectMu sync.Mutex
	outbox    chan *pb.CastMessage
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

// Option configures a Connection.
type Option func(*Connection)

// WithDialer replaces the TLS dialer, mostly for tests.
func WithDialer(d DialFunc) Option {
	return func(c *Connection) { c.dial = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Connection) { c.Logger = l }
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (c *Connection) Log() *zerolog.Logger {
	if c.LogOutput != nil {
		c.initLogOnce.Do(func() {
			c.Logger = zerolog.New(c.LogOutput).With().Timestamp().Logger()
		})
	}
	return &c.Logger
}

// NewConnection creates a connection to deviceAddr, a host with an optional
// ":port" suffix (8009 by default). Nothing is dialed until the first Send.
func NewConnection(deviceAddr string, handler Handler, opts ...Option) *Connection {
	host := deviceAddr
	port := DefaultPort
	if h, p, err := net.SplitHostPort(deviceAddr); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		host:    host,
		port:    port,
		dial:    dialTLS,
		handler: handler,
		outbox:  make(chan *pb.CastMessage, outboxSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func dialTLS(ctx context.Context, addr string) (net.Conn, error) {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
		// Cast devices present self-signed certificates that cannot be
		// validated against any root; the protocol requires skipping it.
		Config: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
	}
	return d.DialContext(ctx, "tcp", addr)
}

// Host returns the device host this connection talks to.
func (c *Connection) Host() string {
	return c.host
}

// State returns the current transport state.
func (c *Connection) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns whether the socket is up.
func (c *Connection) IsConnected() bool {
	return c.State() == ConnConnected
}

// Send queues msg for the writer goroutine and returns immediately. If the
// channel is down the writer reconnects first; when that fails the message is
// dropped and the state observer sees Error.
func (c *Connection) Send(msg *pb.CastMessage) {
	if c.ctx.Err() != nil {
		return
	}

	c.startOnce.Do(func() { go c.writeLoop() })

	select {
	case c.outbox <- msg:
	default:
		c.Log().Warn().Str("Method", "Send").Str("Host", c.host).Str("Namespace", msg.GetNamespace()).Msg("outbox full, dropping message")
	}
}

// Connect dials the device and starts the read loop. It is a no-op when
// already connected.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	up, closed := c.state == ConnConnected && c.conn != nil, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrConnectionClosed
	}
	if up {
		return nil
	}

	c.setState(ConnConnecting)

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	c.Log().Debug().Str("Method", "Connect").Str("Host", c.host).Int("Port", c.port).Msg("connecting")

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := c.dial(dctx, addr)
	cancel()
	if err != nil {
		c.Log().Error().Str("Method", "Connect").Str("Host", c.host).Bool("Timeout", isTimeoutError(err)).Err(err).Msg("connection failed")
		c.setState(ConnError)
		return fmt.Errorf("chromecast connect: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		changed := c.setStateLocked(ConnNone)
		c.mu.Unlock()
		_ = conn.Close()
		c.notify(changed, ConnNone)
		return ErrConnectionClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	changed := c.setStateLocked(ConnConnected)
	c.mu.Unlock()

	// Connected is published before the read loop can report a fault on the
	// new socket.
	c.notify(changed, ConnConnected)
	go c.readLoop(conn, gen)

	c.Log().Debug().Str("Method", "Connect").Str("Host", c.host).Msg("connected successfully")
	return nil
}

// Close releases the socket and stops the writer. Queued messages are dropped.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.conn = nil
		c.gen++
		changed := c.setStateLocked(ConnNone)
		c.mu.Unlock()

		c.cancel()
		if conn != nil {
			_ = conn.Close()
		}

		c.Log().Debug().Str("Method", "Close").Str("Host", c.host).Msg("connection closed")
		c.notify(changed, ConnNone)
	})
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbox:
			c.write(msg)
		}
	}
}

func (c *Connection) write(msg *pb.CastMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.Log().Error().Str("Method", "write").Str("Host", c.host).Interface("Panic", r).Msg("recovered from panic")
		}
	}()

	frame, err := Encode(msg)
	if err != nil {
		c.Log().Error().Str("Method", "write").Err(err).Msg("encode failed")
		return
	}

	conn, gen := c.current()
	if conn == nil {
		if err := c.Connect(c.ctx); err != nil {
			c.Log().Debug().Str("Method", "write").Str("Host", c.host).Msg("reconnect failed, dropping message")
			return
		}
		if conn, gen = c.current(); conn == nil {
			c.Log().Debug().Str("Method", "write").Str("Host", c.host).Msg("connection lost, dropping message")
			return
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(frame); err != nil {
		c.fail(gen, fmt.Errorf("write: %w", err))
	}
}

func (c *Connection) readLoop(conn net.Conn, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			c.Log().Error().Str("Method", "readLoop").Str("Host", c.host).Interface("Panic", r).Msg("recovered from panic")
			c.fail(gen, fmt.Errorf("read loop panic: %v", r))
		}
	}()

	var dec FrameDecoder
	buf := make([]byte, readBufSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, body := range dec.Feed(buf[:n]) {
				msg, perr := ParseMessage(body)
				if perr != nil {
					c.Log().Error().Str("Method", "readLoop").Str("Host", c.host).Err(perr).Msg("dropping connection")
					c.fail(gen, perr)
					return
				}

				if c.handler != nil {
					c.handler.HandleMessage(msg)
				}
			}

			if derr := dec.Err(); derr != nil {
				c.Log().Warn().Str("Method", "readLoop").Str("Host", c.host).Err(derr).Msg("discarded receive buffer")
				dec.Reset()
			}
		}

		if err != nil {
			c.fail(gen, fmt.Errorf("read: %w", err))
			return
		}
	}
}

// fail tears down the socket of generation gen. Faults from a socket that was
// already replaced or closed are ignored.
func (c *Connection) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	changed := c.setStateLocked(ConnError)
	c.mu.Unlock()

	_ = conn.Close()

	if errors.Is(err, io.EOF) {
		c.Log().Debug().Str("Method", "fail").Str("Host", c.host).Msg("device closed the connection")
	} else {
		c.Log().Warn().Str("Method", "fail").Str("Host", c.host).Err(err).Msg("connection error")
	}

	c.notify(changed, ConnError)
}

// current returns the live socket and its generation, or nil when down.
func (c *Connection) current() (net.Conn, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.gen
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	changed := c.setStateLocked(s)
	c.mu.Unlock()

	c.notify(changed, s)
}

// setStateLocked records s with c.mu held. State and socket always change
// together so Connected implies a live conn.
func (c *Connection) setStateLocked(s ConnState) bool {
	changed := c.state != s
	c.state = s
	return changed
}

func (c *Connection) notify(changed bool, s ConnState) {
	if changed && c.handler != nil {
		c.handler.ConnectionStateChanged(s)
	}
}

// isTimeoutError checks if an error is a timeout/deadline exceeded error.
// This typically happens when the device is asleep or unreachable.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
