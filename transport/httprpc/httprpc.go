// Package httprpc is the one-shot HTTP adapter: POST /invoke carries one
// envelope per request and the response body carries the response envelope.
// GET /health answers 200 "OK" for load-balancer probes.
package httprpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/transport"
)

const (
	// InvokePath accepts invocation envelopes.
	InvokePath = "/invoke"
	// HealthPath answers liveness probes.
	HealthPath = "/health"
	// MaxBodyBytes bounds an invocation body.
	MaxBodyBytes = 16 << 20
	// DefaultRequestTimeout bounds one invocation round trip.
	DefaultRequestTimeout = 60 * time.Second
)

type (
	// Server is the listening side of the HTTP adapter.
	Server struct {
		logger telemetry.Logger
		msgs   chan transport.Message

		mu     sync.Mutex
		http   *http.Server
		ln     net.Listener
		closed bool
	}

	// ServerOption customizes a Server.
	ServerOption func(*Server)
)

// WithServerLogger sets the server's logger.
func WithServerLogger(logger telemetry.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates an unbound HTTP server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger: telemetry.NewNoopLogger(),
		msgs:   make(chan transport.Message, 64),
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
	mux.HandleFunc(InvokePath, s.handleInvoke)
	mux.HandleFunc(HealthPath, handleHealth)
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
			s.logger.Error(ctx, "http server failed", "err", err.Error())
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
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	close(s.msgs)
	return err
}

// handleInvoke turns one POST into one message and holds the request open
// until the consumer responds.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	done := make(chan struct{})
	var once sync.Once
	respond := func(_ context.Context, data []byte) error {
		once.Do(func() {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(data)
			close(done)
		})
		return nil
	}
	fail := func(_ context.Context, cause error) error {
		once.Do(func() {
			http.Error(w, cause.Error(), http.StatusBadRequest)
			close(done)
		})
		return nil
	}

	msg := transport.Message{
		Bytes:   body,
		Source:  r.RemoteAddr,
		Respond: respond,
		Fail:    fail,
	}
	select {
	case s.msgs <- msg:
	case <-r.Context().Done():
		return
	}
	select {
	case <-done:
	case <-r.Context().Done():
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

type (
	// Client invokes a remote endpoint over one-shot HTTP requests.
	Client struct {
		http     *http.Client
		endpoint string
	}

	// ClientOption customizes a Client.
	ClientOption func(*Client)
)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for endpoint, e.g. "http://host:8080".
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		http:     &http.Client{Timeout: DefaultRequestTimeout},
		endpoint: endpoint,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke posts one envelope and returns the response envelope bytes. A 400
// status surfaces the server's protocol diagnostic.
func (c *Client) Invoke(ctx context.Context, envelope []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+InvokePath, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invoke %s: status %d: %s", c.endpoint, resp.StatusCode, string(body))
	}
	return body, nil
}

// Health probes the endpoint's health route.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+HealthPath, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health %s: status %d", c.endpoint, resp.StatusCode)
	}
	return nil
}
