// Package tcpnet is the framed TCP adapter: one envelope per frame, each
// frame a 4-byte big-endian length prefix followed by the payload. The
// adapter carries no TLS; terminate TLS in front of it or use the websocket
// adapter instead.
package tcpnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/transport"
)

const (
	// frameHeaderLen is the length prefix size.
	frameHeaderLen = 4
	// MaxFrameBytes bounds a single frame.
	MaxFrameBytes = 16 << 20
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout = 30 * time.Second
	// IdleTimeout closes connections with no inbound traffic.
	IdleTimeout = 300 * time.Second
)

// ErrFrameTooLarge reports a frame whose declared length exceeds
// MaxFrameBytes.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	var header [frameHeaderLen]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return data, nil
}

type (
	// Server is the listening side of the framed TCP adapter.
	Server struct {
		logger telemetry.Logger
		msgs   chan transport.Message

		mu     sync.Mutex
		ln     net.Listener
		conns  map[net.Conn]struct{}
		closed bool
		wg     sync.WaitGroup
	}

	// ServerOption customizes a Server.
	ServerOption func(*Server)
)

// WithServerLogger sets the server's logger.
func WithServerLogger(logger telemetry.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates an unbound framed TCP server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger: telemetry.NewNoopLogger(),
		msgs:   make(chan transport.Message, 64),
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen implements transport.Listener.
func (s *Server) Listen(ctx context.Context, endpoint string) error {
	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", endpoint, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server is shut down")
	}
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Addr reports the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Messages implements transport.Listener.
func (s *Server) Messages() <-chan transport.Message { return s.msgs }

// Shutdown implements transport.Listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	close(s.msgs)
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serveConn(ctx, conn)
	}
}

// serveConn reads frames until the peer goes away or stays idle past the
// timeout, delivering each as a message whose respond callback writes back
// on the same connection.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	var writeMu sync.Mutex
	respond := func(ctx context.Context, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		return WriteFrame(conn, data)
	}
	source := conn.RemoteAddr().String()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(IdleTimeout)); err != nil {
			return
		}
		data, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug(ctx, "connection closed", "remote", source, "err", err.Error())
			}
			return
		}
		select {
		case s.msgs <- transport.Message{Bytes: data, Source: source, Respond: respond}:
		case <-ctx.Done():
			return
		}
	}
}

type (
	// Conn is a client-side framed TCP connection.
	Conn struct {
		conn    net.Conn
		inbound chan []byte
		done    chan struct{}

		writeMu sync.Mutex
		once    sync.Once
	}

	// Pool dials and reuses one connection per remote endpoint.
	Pool struct {
		mu    sync.Mutex
		conns map[string]*Conn
	}
)

// Dial opens a framed TCP connection to endpoint.
func Dial(ctx context.Context, endpoint string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	c := &Conn{conn: nc, inbound: make(chan []byte, 64), done: make(chan struct{})}
	go c.readPump()
	return c, nil
}

// Send implements transport.Conn with the per-frame write deadline.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return WriteFrame(c.conn, data)
}

// Inbound implements transport.Conn.
func (c *Conn) Inbound() <-chan []byte { return c.inbound }

// Close implements transport.Conn.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) readPump() {
	defer close(c.inbound)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(IdleTimeout)); err != nil {
			return
		}
		data, err := ReadFrame(c.conn)
		if err != nil {
			c.Close()
			return
		}
		c.inbound <- data
	}
}

// NewPool creates an empty connection pool.
func NewPool() *Pool {
	return &Pool{conns: make(map[string]*Conn)}
}

// Get returns the pooled connection for endpoint, dialing when none is live.
func (p *Pool) Get(ctx context.Context, endpoint string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[endpoint]; ok {
		select {
		case <-c.done:
			delete(p.conns, endpoint)
		default:
			return c, nil
		}
	}
	c, err := Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	p.conns[endpoint] = c
	return c, nil
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for endpoint, c := range p.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.conns, endpoint)
	}
	return errors.Join(errs...)
}
