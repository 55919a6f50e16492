package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/statestore"
)

var (
	testRedisClient *redis.Client
	skipIntegration bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var container testcontainers.Container
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := container.Host(ctx)
		if err != nil {
			skipIntegration = true
		} else {
			port, err := container.MappedPort(ctx, "6379")
			if err != nil {
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
	os.Exit(code)
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	if testing.Short() || skipIntegration {
		t.Skip("redis integration test")
	}
	opts = append([]Option{WithKeyPrefix("test:" + uuid.NewString())}, opts...)
	return New(testRedisClient, opts...)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq, err := s.Save(ctx, "todo-1", []byte(`{"items":["a"]}`))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	state, err := s.Load(ctx, "todo-1")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"items":["a"]}`), state.Data)
	require.Equal(t, uint64(1), state.Version)
	require.False(t, state.UpdatedAt.IsZero())
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "nope")
	require.ErrorIs(t, err, statestore.ErrNotFound)
	_, err = s.SequenceNumber(context.Background(), "nope")
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestVersionsAreMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := uint64(1); want <= 5; want++ {
		seq, err := s.Save(ctx, "todo-1", []byte{byte(want)})
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}

	seq, err := s.SequenceNumber(ctx, "todo-1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), seq)
}

func TestSaveIfVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq, err := s.SaveIfVersion(ctx, "todo-1", []byte(`a`), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	_, err = s.SaveIfVersion(ctx, "todo-1", []byte(`b`), 0)
	require.True(t, rpcerrors.IsVersionConflict(err))
	var vc *rpcerrors.VersionConflictError
	require.ErrorAs(t, err, &vc)
	require.Equal(t, uint64(0), vc.Expected)
	require.Equal(t, uint64(1), vc.Actual)

	seq, err = s.SaveIfVersion(ctx, "todo-1", []byte(`b`), 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
}

func TestDeleteRemovesState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, "todo-1", []byte(`a`))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "todo-1"))
	require.NoError(t, s.Delete(ctx, "todo-1"))

	_, err = s.Load(ctx, "todo-1")
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestUpdateAgainstRedis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := statestore.Update(ctx, s, "counter", func(current []byte) ([]byte, error) {
			return append(current, 'x'), nil
		})
		require.NoError(t, err)
	}

	state, err := s.Load(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, []byte(`xxx`), state.Data)
	require.Equal(t, uint64(3), state.Version)
}

type captureChange struct {
	actorID string
	data    []byte
	seq     uint64
}

type capturePublisher struct {
	changes []captureChange
	err     error
}

func (p *capturePublisher) PublishChange(_ context.Context, actorID string, state []byte, seq uint64) error {
	p.changes = append(p.changes, captureChange{actorID: actorID, data: state, seq: seq})
	return p.err
}

func TestSavePublishesChange(t *testing.T) {
	pub := &capturePublisher{}
	s := newTestStore(t, WithPublisher(pub))
	ctx := context.Background()

	_, err := s.Save(ctx, "todo-1", []byte(`a`))
	require.NoError(t, err)
	_, err = s.SaveIfVersion(ctx, "todo-1", []byte(`b`), 1)
	require.NoError(t, err)

	require.Len(t, pub.changes, 2)
	require.Equal(t, captureChange{actorID: "todo-1", data: []byte(`a`), seq: 1}, pub.changes[0])
	require.Equal(t, captureChange{actorID: "todo-1", data: []byte(`b`), seq: 2}, pub.changes[1])
}

func TestConflictDoesNotPublish(t *testing.T) {
	pub := &capturePublisher{}
	s := newTestStore(t, WithPublisher(pub))
	ctx := context.Background()

	_, err := s.Save(ctx, "todo-1", []byte(`a`))
	require.NoError(t, err)
	_, err = s.SaveIfVersion(ctx, "todo-1", []byte(`b`), 7)
	require.True(t, rpcerrors.IsVersionConflict(err))
	require.Len(t, pub.changes, 1)
}

func TestPublishFailureDoesNotFailSave(t *testing.T) {
	pub := &capturePublisher{err: fmt.Errorf("stream down")}
	s := newTestStore(t, WithPublisher(pub))

	seq, err := s.Save(context.Background(), "todo-1", []byte(`a`))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}

func TestUpdatedAtUsesClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))

	_, err := s.Save(context.Background(), "todo-1", []byte(`a`))
	require.NoError(t, err)
	state, err := s.Load(context.Background(), "todo-1")
	require.NoError(t, err)
	require.True(t, state.UpdatedAt.Equal(now))
}
