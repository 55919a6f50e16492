// Package transport defines the minimal shape every adapter exposes: a
// stream of inbound messages with a respond callback, plus listen, dial and
// shutdown. Adapters carry opaque envelope bytes; encoding and dispatch
// stay above them.
package transport

import (
	"context"

	"github.com/objectwire/objectwire/wire"
)

type (
	// RespondFunc writes one outbound payload back toward the message's
	// origin.
	RespondFunc func(ctx context.Context, data []byte) error

	// Message is one inbound transport frame.
	Message struct {
		// Bytes is the raw envelope payload.
		Bytes []byte
		// Source identifies the message origin, e.g. a remote address or a
		// serverless connection identifier.
		Source string
		// Respond delivers a reply toward the origin. For duplex transports
		// it may be called many times; for one-shot transports exactly once.
		Respond RespondFunc
		// Fail reports a non-envelope failure (e.g. an undecodable frame)
		// the transport may surface its own way. Optional.
		Fail func(ctx context.Context, err error) error
	}

	// Listener is the server side of an adapter.
	Listener interface {
		// Listen binds the endpoint and starts accepting traffic.
		Listen(ctx context.Context, endpoint string) error
		// Messages yields inbound messages until shutdown.
		Messages() <-chan Message
		// Shutdown stops accepting, closes live connections and drains.
		Shutdown(ctx context.Context) error
	}

	// Conn is the client side of a duplex adapter.
	Conn interface {
		// Send writes one payload.
		Send(ctx context.Context, data []byte) error
		// Inbound yields payloads pushed by the remote side. The channel
		// closes when the connection does.
		Inbound() <-chan []byte
		// Close tears the connection down.
		Close() error
	}

	// Dialer opens client connections.
	Dialer interface {
		Dial(ctx context.Context, endpoint string) (Conn, error)
	}

	// EnvelopeSender adapts a raw write function to the envelope-level
	// Sender the stream registry expects.
	EnvelopeSender struct {
		write RespondFunc
	}
)

// NewEnvelopeSender wraps write into an envelope sender.
func NewEnvelopeSender(write RespondFunc) *EnvelopeSender {
	return &EnvelopeSender{write: write}
}

// Send encodes env and writes it.
func (s *EnvelopeSender) Send(ctx context.Context, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return s.write(ctx, data)
}
