// Package streamserver serves the captured audio as an endless WAV stream to
// every device that connects.
package streamserver

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/internal/metrics"
)

const (
	maxRequestSize     = 8 << 10
	requestReadTimeout = 10 * time.Second
)

var (
	ErrRequestTooLarge = errors.New("streamserver: request head too large")
	ErrServerStarted   = errors.New("streamserver: already started")
)

var headerTerminator = []byte("\r\n\r\n")

// Handler is told where the server listens and about every accepted stream.
type Handler interface {
	Listening(addr string, port int)
	Connected(c *Conn, request string)
}

// Server accepts stream requests on an ephemeral port. No routing happens:
// any request is a request for the stream.
type Server struct {
	handler Handler
	lag     atomic.Int32

	mu    sync.Mutex
	ln    net.Listener
	conns map[string]*Conn
	wg    sync.WaitGroup

	Logger zerolog.Logger
}

func NewServer(handler Handler, logger zerolog.Logger) *Server {
	s := &Server{
		handler: handler,
		conns:   make(map[string]*Conn),
		Logger:  logger,
	}
	s.lag.Store(MaxLagThreshold)
	return s
}

// SetLagThreshold sets how many frames pass per skipped frame on every
// connection. MaxLagThreshold disables skipping.
func (s *Server) SetLagThreshold(t int) {
	if t <= 0 || t > MaxLagThreshold {
		t = MaxLagThreshold
	}
	s.lag.Store(int32(t))
}

func (s *Server) LagThreshold() int {
	return int(s.lag.Load())
}

// StartServer binds ip on an ephemeral port, reports the address through
// Handler.Listening and accepts connections until Stop.
func (s *Server) StartServer(ip string) error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return ErrServerStarted
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("server listen error: %w", err)
	}
	s.ln = ln
	s.mu.Unlock()

	addr := ln.Addr().(*net.TCPAddr)
	host := ip
	if host == "" {
		host = addr.IP.String()
	}

	s.Logger.Info().Str("Method", "StartServer").Str("Addr", ln.Addr().String()).Msg("stream server listening")
	if s.handler != nil {
		s.handler.Listening(host, addr.Port)
	}

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// StreamURL builds the URL devices pull from.
func StreamURL(addr string, port int) string {
	return "http://" + net.JoinHostPort(addr, strconv.Itoa(port)) + "/"
}

// Addr returns the bound address, nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.Logger.Warn().Str("Method", "acceptLoop").Err(err).Msg("accept")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		go s.handshake(ln, c)
	}
}

// handshake reads the request head from c, accepted on ln. Connections that
// finish the head after ln was stopped are dropped, even if the server has
// been restarted on a new listener since.
func (s *Server) handshake(ln net.Listener, c net.Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			s.Logger.Error().Str("Method", "handshake").Interface("Panic", rec).Msg("recovered")
			_ = c.Close()
		}
	}()

	request, err := readRequest(c)
	if err != nil {
		s.Logger.Debug().Str("Method", "handshake").Str("Remote", c.RemoteAddr().String()).Err(err).Msg("bad request")
		_ = c.Close()
		return
	}

	sc := newConn(c, request, &s.lag, s.forget, s.Logger)

	s.mu.Lock()
	if s.ln != ln {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.conns[sc.id] = sc
	metrics.StreamConnections.Set(float64(len(s.conns)))
	s.mu.Unlock()

	s.Logger.Info().Str("Method", "handshake").Str("Remote", sc.RemoteIP()).Str("Conn", sc.id).Msg("device connected")

	go sc.writeLoop()
	go sc.readLoop()

	if s.handler != nil {
		s.handler.Connected(sc, request)
	}
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	metrics.StreamConnections.Set(float64(len(s.conns)))
	s.mu.Unlock()
}

// Connections returns the open stream connections.
func (s *Server) Connections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// StopServer closes the listener and every connection.
func (s *Server) StopServer() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln == nil {
		return
	}

	_ = ln.Close()
	s.wg.Wait()

	for _, c := range conns {
		c.Close()
	}
}

// readRequest reads until the blank line ending the request head.
func readRequest(c net.Conn) (string, error) {
	_ = c.SetReadDeadline(time.Now().Add(requestReadTimeout))

	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 512)
	for {
		n, err := c.Read(chunk)
		buf = append(buf, chunk[:n]...)

		if idx := bytes.Index(buf, headerTerminator); idx >= 0 {
			return string(buf[:idx+len(headerTerminator)]), nil
		}
		if len(buf) > maxRequestSize {
			return "", ErrRequestTooLarge
		}
		if err != nil {
			return "", fmt.Errorf("read request: %w", err)
		}
	}
}
