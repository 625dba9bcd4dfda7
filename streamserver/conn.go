package streamserver

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/capture"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/internal/metrics"
)

const (
	// MaxLagThreshold disables lag reduction.
	MaxLagThreshold = 1000

	connQueueSize     = 64
	connWriteDeadline = 5 * time.Second
)

const responseHeader = "HTTP/1.0 200 OK\r\n" +
	"Content-Type: audio/wav\r\n" +
	"Connection: keep-alive\r\n" +
	"Cache-Control: no-cache\r\n" +
	"\r\n"

// lagFilter drops exactly one of every threshold consecutive frames.
type lagFilter struct {
	counter int
}

func (l *lagFilter) skip(threshold int) bool {
	if threshold <= 0 || threshold >= MaxLagThreshold {
		l.counter = 0
		return false
	}

	l.counter++
	if l.counter >= threshold {
		l.counter = 0
		return true
	}
	return false
}

// Conn is one device pulling the audio stream. Frames are queued by Send and
// written by a dedicated goroutine: the HTTP response head at once, then the
// WAV header with the first frame, then raw PCM.
type Conn struct {
	id       string
	conn     net.Conn
	remoteIP string
	request  string
	lag      *atomic.Int32

	mu     sync.Mutex
	filter lagFilter

	out       chan capture.Frame
	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Conn)

	Logger zerolog.Logger
}

func newConn(c net.Conn, request string, lag *atomic.Int32, onClose func(*Conn), logger zerolog.Logger) *Conn {
	remoteIP := c.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}

	sc := &Conn{
		id:       uuid.NewString(),
		conn:     c,
		remoteIP: remoteIP,
		request:  request,
		lag:      lag,
		out:      make(chan capture.Frame, connQueueSize),
		done:     make(chan struct{}),
		onClose:  onClose,
	}
	sc.Logger = logger.With().Str("Conn", sc.id).Str("Remote", remoteIP).Logger()
	sc.connected.Store(true)
	return sc
}

func (c *Conn) ID() string {
	return c.id
}

// RemoteIP is the address of the device that opened the stream.
func (c *Conn) RemoteIP() string {
	return c.remoteIP
}

// Request returns the raw request head the device sent.
func (c *Conn) Request() string {
	return c.request
}

func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// Send queues frame unless lag reduction skips it. A full queue means the
// device reads slower than real time; the frame is dropped.
func (c *Conn) Send(frame capture.Frame) {
	if !c.connected.Load() {
		return
	}

	c.mu.Lock()
	skip := c.filter.skip(int(c.lag.Load()))
	c.mu.Unlock()
	if skip {
		metrics.StreamFrames.WithLabelValues("skipped").Inc()
		return
	}

	select {
	case c.out <- frame:
	case <-c.done:
	default:
		metrics.StreamFrames.WithLabelValues("dropped").Inc()
	}
}

// Close tears the connection down. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
		c.Logger.Debug().Str("Method", "Close").Msg("stream closed")
	})
}

func (c *Conn) write(p []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(connWriteDeadline))
	_, err := c.conn.Write(p)
	return err
}

func (c *Conn) writeLoop() {
	defer c.Close()
	defer func() {
		if rec := recover(); rec != nil {
			c.Logger.Error().Str("Method", "writeLoop").Interface("Panic", rec).Msg("recovered")
		}
	}()

	if err := c.write([]byte(responseHeader)); err != nil {
		c.Logger.Debug().Str("Method", "writeLoop").Err(err).Msg("response header")
		return
	}

	headerSent := false
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			if !headerSent {
				if err := c.write(NewWAVHeader(frame.Format).Bytes()); err != nil {
					c.Logger.Debug().Str("Method", "writeLoop").Err(err).Msg("wav header")
					return
				}
				headerSent = true
			}

			if err := c.write(frame.Data); err != nil {
				c.Logger.Debug().Str("Method", "writeLoop").Err(err).Msg("device went away")
				return
			}
			metrics.StreamFrames.WithLabelValues("sent").Inc()
			metrics.StreamBytes.Add(float64(len(frame.Data)))
		}
	}
}

// readLoop discards anything the device sends after the request and notices
// when it hangs up.
func (c *Conn) readLoop() {
	defer c.Close()

	_ = c.conn.SetReadDeadline(time.Time{})
	buf := make([]byte, 512)
	for {
		if _, err := c.conn.Read(buf); err != nil {
			return
		}
	}
}
