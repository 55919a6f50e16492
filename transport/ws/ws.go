// Package ws is the websocket adapter. Each text or binary websocket
// message carries exactly one envelope; TLS comes from the dialer's or the
// fronting server's configuration.
package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/transport"
)

const (
	// DefaultDialTimeout bounds the websocket handshake.
	DefaultDialTimeout = 10 * time.Second
	// DefaultWriteWait is the per-message write deadline.
	DefaultWriteWait = 30 * time.Second
	// DefaultMaxMessageSize is the read limit per message.
	DefaultMaxMessageSize = 16 << 20
)

type (
	// Server is the listening side of the websocket adapter.
	Server struct {
		logger   telemetry.Logger
		upgrader websocket.Upgrader
		msgs     chan transport.Message

		mu     sync.Mutex
		http   *http.Server
		ln     net.Listener
		conns  map[*websocket.Conn]struct{}
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

// WithCheckOrigin overrides the handshake origin check.
func WithCheckOrigin(check func(*http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = check }
}

// NewServer creates an unbound websocket server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger: telemetry.NewNoopLogger(),
		msgs:   make(chan transport.Message, 64),
		conns:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
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

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})
	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server is shut down")
	}
	s.http = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "websocket server failed", "err", err.Error())
		}
	}()
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
	srv := s.http
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
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

func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug(ctx, "websocket upgrade failed", "remote", r.RemoteAddr, "err", err.Error())
		return
	}
	conn.SetReadLimit(DefaultMaxMessageSize)

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

// serveConn pumps messages off one socket. Writes go through a mutex
// because gorilla permits only one concurrent writer.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
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
		if err := conn.SetWriteDeadline(time.Now().Add(DefaultWriteWait)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	source := conn.RemoteAddr().String()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug(ctx, "websocket closed", "remote", source, "err", err.Error())
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
	// Conn is a client-side websocket connection.
	Conn struct {
		conn    *websocket.Conn
		inbound chan []byte
		done    chan struct{}

		writeMu sync.Mutex
		once    sync.Once
	}

	// Dialer opens websocket connections.
	Dialer struct {
		dialer *websocket.Dialer
	}

	// DialerOption customizes a Dialer.
	DialerOption func(*Dialer)
)

// WithTLSConfig sets the dialer's TLS configuration, enabling wss
// endpoints.
func WithTLSConfig(cfg *tls.Config) DialerOption {
	return func(d *Dialer) { d.dialer.TLSClientConfig = cfg }
}

// NewDialer creates a websocket dialer.
func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{
		dialer: &websocket.Dialer{HandshakeTimeout: DefaultDialTimeout},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial opens a websocket connection to endpoint ("ws://..." or "wss://...").
func (d *Dialer) Dial(ctx context.Context, endpoint string) (*Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	conn.SetReadLimit(DefaultMaxMessageSize)
	c := &Conn{conn: conn, inbound: make(chan []byte, 64), done: make(chan struct{})}
	go c.readPump()
	return c, nil
}

// Send writes one envelope as a single websocket text message.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(DefaultWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
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
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			return
		}
		c.inbound <- data
	}
}
