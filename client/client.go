// Package client is the calling side of the framework: it dials an actor
// host, issues invocations, consumes state streams and transparently
// resumes them across reconnection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/transport"
	"github.com/objectwire/objectwire/transport/tcpnet"
	"github.com/objectwire/objectwire/transport/ws"
	"github.com/objectwire/objectwire/wire"
)

const (
	// DefaultCallTimeout bounds one invocation round trip.
	DefaultCallTimeout = 30 * time.Second

	reconnectBaseDelay = 100 * time.Millisecond
	reconnectMaxDelay  = 5 * time.Second
)

// ErrClosed reports that the client was closed.
var ErrClosed = errors.New("client is closed")

// ErrConnectionLost reports that the connection dropped before the call's
// response arrived.
var ErrConnectionLost = errors.New("connection lost")

type (
	// DialFunc opens one connection to an endpoint.
	DialFunc func(ctx context.Context, endpoint string) (transport.Conn, error)

	// Config assembles a Client. Endpoint is required.
	Config struct {
		// Endpoint is the address handed to Dial.
		Endpoint string
		// Dial opens connections. Defaults to TCP.
		Dial DialFunc
		// CallTimeout bounds Call round trips. Defaults to 30s.
		CallTimeout time.Duration
		// DisableReconnect turns off automatic redial and stream resume.
		DisableReconnect bool
		// Logger receives client logs.
		Logger telemetry.Logger
	}

	// Client is a connection to one actor host.
	Client struct {
		endpoint    string
		dial        DialFunc
		callTimeout time.Duration
		reconnect   bool
		logger      telemetry.Logger
		streams     *streamRegistry

		mu      sync.Mutex
		conn    transport.Conn
		pending map[uuid.UUID]chan *wire.Response
		closed  bool
	}

	// RemoteError is a failure response produced by the remote side.
	RemoteError struct {
		// Message is the remote diagnostic.
		Message string
	}
)

func (e *RemoteError) Error() string { return e.Message }

// TCP dials framed TCP connections.
func TCP() DialFunc {
	return func(ctx context.Context, endpoint string) (transport.Conn, error) {
		return tcpnet.Dial(ctx, endpoint)
	}
}

// WebSocket dials websocket connections.
func WebSocket() DialFunc {
	d := ws.NewDialer()
	return func(ctx context.Context, endpoint string) (transport.Conn, error) {
		return d.Dial(ctx, endpoint)
	}
}

// Dial connects to the endpoint and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Dial == nil {
		cfg.Dial = TCP()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}

	conn, err := cfg.Dial(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Endpoint, err)
	}

	c := &Client{
		endpoint:    cfg.Endpoint,
		dial:        cfg.Dial,
		callTimeout: cfg.CallTimeout,
		reconnect:   !cfg.DisableReconnect,
		logger:      cfg.Logger,
		streams:     newStreamRegistry(),
		conn:        conn,
		pending:     make(map[uuid.UUID]chan *wire.Response),
	}
	go c.readLoop(conn)
	return c, nil
}

// Close tears the connection down and terminates every pending call and
// live stream.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.failPending()
	c.streams.closeAll(wire.EndCancelled)
	return err
}

// Call invokes target on the remote actor. Arguments are JSON-encoded
// positionally; a non-nil result receives the decoded return value. Remote
// failures come back as *RemoteError.
func (c *Client) Call(ctx context.Context, actorID wire.ActorID, target string, result any, args ...any) error {
	encoded, err := encodeArgs(args)
	if err != nil {
		return err
	}

	callID := uuid.New()
	ch := make(chan *wire.Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[callID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
	}()

	inv := &wire.Invocation{
		CallID:          callID,
		ActorID:         actorID,
		Target:          target,
		ProtocolVersion: wire.ProtocolVersion,
		Arguments:       encoded,
	}
	if err := c.send(ctx, inv); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return ErrClosed
			}
			return ErrConnectionLost
		}
		if !resp.OK() {
			return &RemoteError{Message: *resp.ErrorMessage}
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode result of %s: %w", target, err)
		}
		return nil
	}
}

// Observe subscribes to a stream target. filter may be nil for pass-all.
// The returned stream survives reconnection through resume.
func (c *Client) Observe(ctx context.Context, actorID wire.ActorID, target string, filter *wire.Filter, args ...any) (*Stream, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	callID := uuid.New()
	s := c.streams.open(callID, actorID, target)
	inv := &wire.Invocation{
		CallID:          callID,
		ActorID:         actorID,
		Target:          target,
		ProtocolVersion: wire.ProtocolVersion,
		Arguments:       encoded,
		StreamFilter:    filter,
	}
	if err := c.send(ctx, inv); err != nil {
		c.streams.abandon(callID)
		return nil, err
	}
	return s, nil
}

func (c *Client) send(ctx context.Context, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectionLost
	}
	return conn.Send(ctx, data)
}

func (c *Client) readLoop(conn transport.Conn) {
	for data := range conn.Inbound() {
		c.dispatch(data)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	// The connection dropped. Pending calls cannot complete; streams may
	// still resume on the next connection.
	c.failPending()
	if c.reconnect {
		c.redial()
	} else {
		c.streams.closeAll(wire.EndCancelled)
	}
}

func (c *Client) dispatch(data []byte) {
	ctx := context.Background()
	env, err := wire.Decode(data)
	if err != nil {
		c.logger.Debug(ctx, "dropping undecodable frame", "err", err.Error())
		return
	}
	switch e := env.(type) {
	case *wire.Response:
		c.mu.Lock()
		ch, ok := c.pending[e.CallID]
		if ok {
			delete(c.pending, e.CallID)
		}
		c.mu.Unlock()
		if ok {
			ch <- e
		}
	case *wire.StreamStart:
		if !c.streams.handleStart(e) {
			c.logger.Debug(ctx, "stream start without subscriber", "streamID", e.StreamID.String())
		}
	case *wire.StreamData:
		c.streams.handleData(e)
	case *wire.StreamEnd:
		c.streams.handleEnd(e)
	case *wire.StreamError:
		c.streams.handleError(e)
	default:
		c.logger.Debug(ctx, "unexpected envelope", "kind", string(env.Kind()))
	}
}

// redial reconnects with exponential backoff and resumes live streams.
func (c *Client) redial() {
	ctx := context.Background()
	resumes := c.streams.markResuming()

	delay := reconnectBaseDelay
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := c.dial(ctx, c.endpoint)
		if err != nil {
			c.logger.Debug(ctx, "redial failed", "endpoint", c.endpoint, "err", err.Error())
			time.Sleep(delay)
			if delay *= 2; delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		for _, resume := range resumes {
			if err := c.send(ctx, resume); err != nil {
				c.logger.Warn(ctx, "resume failed", "streamID", resume.StreamID.String(), "err", err.Error())
			}
		}
		c.logger.Info(ctx, "reconnected", "endpoint", c.endpoint, "resumed", len(resumes))
		go c.readLoop(conn)
		return
	}
}

// failPending closes every waiting call channel; Call maps the closed
// channel to ErrConnectionLost or ErrClosed by client state.
func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uuid.UUID]chan *wire.Response)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func encodeArgs(args []any) ([][]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	encoded := make([][]byte, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		encoded[i] = b
	}
	return encoded, nil
}
