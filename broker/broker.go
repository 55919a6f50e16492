// Package broker fans stream traffic out to serverless subscribers. It
// abstracts connection bookkeeping (ConnectionStorage) from frame delivery
// (ConnectionSender) so the same fan-out logic runs against an in-memory
// pair in tests, Redis-backed storage in production and the API-gateway
// management API for delivery.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/telemetry"
)

type (
	// Subscription binds one remote connection to one actor's stream.
	Subscription struct {
		// ConnectionID identifies the remote connection.
		ConnectionID string `json:"connectionID"`
		// ActorID is the observed actor's identifier.
		ActorID string `json:"actorID"`
		// StreamID is the subscriber's private stream identity.
		StreamID uuid.UUID `json:"streamID"`
		// LastSequence is the highest sequence number delivered.
		LastSequence uint64 `json:"lastSequence"`
		// ConnectedAt is when the connection registered.
		ConnectedAt time.Time `json:"connectedAt"`
	}

	// ConnectionInfo describes one live connection.
	ConnectionInfo struct {
		// ConnectionID identifies the connection.
		ConnectionID string
		// ConnectedAt is when the remote endpoint connected.
		ConnectedAt time.Time
		// LastActiveAt is when the connection last carried traffic.
		LastActiveAt time.Time
	}

	// ConnectionStorage is the connection and subscription bookkeeping
	// contract. Implementations keep the primary connection index and the
	// actor-to-connections secondary index consistent.
	ConnectionStorage interface {
		// Register records a new connection, optionally bound to an actor.
		Register(ctx context.Context, connID, actorID string) error
		// Subscribe binds a registered connection to an actor stream.
		Subscribe(ctx context.Context, connID string, streamID uuid.UUID, actorID string) error
		// Unregister removes the connection and all its subscriptions.
		Unregister(ctx context.Context, connID string) error
		// UpdateSequence records the highest delivered sequence number.
		UpdateSequence(ctx context.Context, connID string, lastSeq uint64) error
		// Connections lists the subscriptions of all connections observing
		// actorID.
		Connections(ctx context.Context, actorID string) ([]Subscription, error)
	}

	// ConnectionSender delivers raw frames to remote connections.
	ConnectionSender interface {
		// Send delivers data to the connection. A vanished connection
		// returns an error satisfying rpcerrors.IsGone.
		Send(ctx context.Context, connID string, data []byte) error
		// IsAlive reports whether the connection still exists.
		IsAlive(ctx context.Context, connID string) bool
		// Disconnect force-closes the connection.
		Disconnect(ctx context.Context, connID string) error
		// Info describes the connection.
		Info(ctx context.Context, connID string) (ConnectionInfo, error)
	}

	// FrameFunc builds the frame delivered to one subscriber. Each
	// subscriber gets its own frame because stream identities are private
	// per subscription.
	FrameFunc func(sub Subscription) ([]byte, error)

	// Broker pairs storage with a sender and implements fan-out.
	Broker struct {
		storage ConnectionStorage
		sender  ConnectionSender
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// BrokerConfig assembles a Broker. Storage and Sender are required.
	BrokerConfig struct {
		Storage ConnectionStorage
		Sender  ConnectionSender
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}
)

// New creates a Broker from cfg.
func New(cfg BrokerConfig) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	return &Broker{
		storage: cfg.Storage,
		sender:  cfg.Sender,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Storage exposes the broker's connection storage.
func (b *Broker) Storage() ConnectionStorage { return b.storage }

// Sender exposes the broker's connection sender.
func (b *Broker) Sender() ConnectionSender { return b.sender }

// Broadcast delivers one frame per subscriber of actorID, concurrently,
// skipping the excluded connection. A gone connection is unregistered and
// the fan-out continues; one connection's failure never aborts the others.
// It returns the subscriptions that were actually delivered to, so callers
// can record per-subscriber progress, and an error joining the non-gone
// delivery failures.
func (b *Broker) Broadcast(ctx context.Context, actorID, excluding string, frame FrameFunc) ([]Subscription, error) {
	subs, err := b.storage.Connections(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("load subscribers of %q: %w", actorID, err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered []Subscription
		errs      []error
	)
	for _, sub := range subs {
		if sub.ConnectionID == excluding {
			continue
		}
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			ok, err := b.deliver(ctx, sub, frame)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				delivered = append(delivered, sub)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}(sub)
	}
	wg.Wait()

	return delivered, errors.Join(errs...)
}

func (b *Broker) deliver(ctx context.Context, sub Subscription, frame FrameFunc) (bool, error) {
	data, err := frame(sub)
	if err != nil {
		return false, fmt.Errorf("build frame for %q: %w", sub.ConnectionID, err)
	}
	err = b.sender.Send(ctx, sub.ConnectionID, data)
	switch {
	case err == nil:
		b.metrics.IncCounter("broker_frames_sent", 1, "actor", sub.ActorID)
		return true, nil
	case rpcerrors.IsGone(err):
		b.logger.Info(ctx, "connection gone, unregistering", "connID", sub.ConnectionID)
		b.metrics.IncCounter("broker_connections_reaped", 1, "actor", sub.ActorID)
		if uerr := b.storage.Unregister(ctx, sub.ConnectionID); uerr != nil {
			b.logger.Warn(ctx, "unregister gone connection failed", "connID", sub.ConnectionID, "err", uerr.Error())
		}
		return false, nil
	default:
		b.logger.Warn(ctx, "broadcast delivery failed", "connID", sub.ConnectionID, "err", err.Error())
		return false, fmt.Errorf("send to %q: %w", sub.ConnectionID, err)
	}
}
