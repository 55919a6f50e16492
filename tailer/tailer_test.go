package tailer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/objectwire/objectwire/broker"
	"github.com/objectwire/objectwire/broker/memory"
	"github.com/objectwire/objectwire/wire"
)

type fakeSource struct {
	ch chan ChangeEvent
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan ChangeEvent, 16)}
}

func (s *fakeSource) Events() <-chan ChangeEvent  { return s.ch }
func (s *fakeSource) Close(context.Context) error { close(s.ch); return nil }
func (s *fakeSource) emit(ev ChangeEvent)         { s.ch <- ev }

type fixture struct {
	tailer  *Tailer
	source  *fakeSource
	storage *memory.Storage
	sender  *memory.Sender
	done    chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage := memory.NewStorage()
	sender := memory.NewSender()
	source := newFakeSource()
	f := &fixture{
		tailer:  New(Config{Broker: broker.New(broker.BrokerConfig{Storage: storage, Sender: sender}), Source: source}),
		source:  source,
		storage: storage,
		sender:  sender,
		done:    make(chan error, 1),
	}
	go func() { f.done <- f.tailer.Run(context.Background()) }()
	return f
}

func (f *fixture) subscribe(t *testing.T, connID, actorID string) (uuid.UUID, <-chan []byte) {
	t.Helper()
	ctx := context.Background()
	inbox := f.sender.Connect(connID)
	require.NoError(t, f.storage.Register(ctx, connID, ""))
	streamID := uuid.New()
	require.NoError(t, f.storage.Subscribe(ctx, connID, streamID, actorID))
	return streamID, inbox
}

func (f *fixture) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, f.source.Close(context.Background()))
	select {
	case err := <-f.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tailer did not stop")
	}
}

func receiveData(t *testing.T, inbox <-chan []byte) *wire.StreamData {
	t.Helper()
	select {
	case raw := <-inbox:
		env, err := wire.Decode(raw)
		require.NoError(t, err)
		data, ok := env.(*wire.StreamData)
		require.True(t, ok, "expected StreamData, got %T", env)
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("no frame delivered")
		return nil
	}
}

func TestFanOutUsesSubscriberStreamIDs(t *testing.T) {
	f := newFixture(t)
	s1, in1 := f.subscribe(t, "c1", "todo")
	s2, in2 := f.subscribe(t, "c2", "todo")

	f.source.emit(ChangeEvent{Kind: ChangePut, ActorID: "todo", State: []byte(`{"v":2}`), Sequence: 10})

	d1 := receiveData(t, in1)
	require.Equal(t, s1, d1.StreamID)
	require.Equal(t, uint64(10), d1.Sequence)
	require.Equal(t, []byte(`{"v":2}`), d1.Data)

	d2 := receiveData(t, in2)
	require.Equal(t, s2, d2.StreamID)
	require.Equal(t, uint64(10), d2.Sequence)

	f.stop(t)
}

func TestGoneSubscriberIsPruned(t *testing.T) {
	f := newFixture(t)
	_, in1 := f.subscribe(t, "c1", "todo")
	_, _ = f.subscribe(t, "c2", "todo")
	require.NoError(t, f.sender.Disconnect(context.Background(), "c2"))

	f.source.emit(ChangeEvent{Kind: ChangePut, ActorID: "todo", State: []byte(`B`), Sequence: 10})

	d1 := receiveData(t, in1)
	require.Equal(t, []byte(`B`), d1.Data)
	f.stop(t)

	subs, err := f.storage.Connections(context.Background(), "todo")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "c1", subs[0].ConnectionID)
}

func TestRemovalEventsAreIgnored(t *testing.T) {
	f := newFixture(t)
	_, in1 := f.subscribe(t, "c1", "todo")

	f.source.emit(ChangeEvent{Kind: ChangeRemove, ActorID: "todo", Sequence: 10})
	f.source.emit(ChangeEvent{Kind: ChangePut, ActorID: "todo", State: []byte(`after`), Sequence: 11})

	d := receiveData(t, in1)
	require.Equal(t, uint64(11), d.Sequence)
	require.Equal(t, []byte(`after`), d.Data)
	f.stop(t)
}

func TestDeliveredSequenceIsRecorded(t *testing.T) {
	f := newFixture(t)
	_, in1 := f.subscribe(t, "c1", "todo")

	f.source.emit(ChangeEvent{Kind: ChangePut, ActorID: "todo", State: []byte(`B`), Sequence: 42})
	receiveData(t, in1)
	f.stop(t)

	subs, err := f.storage.Connections(context.Background(), "todo")
	require.NoError(t, err)
	require.Equal(t, uint64(42), subs[0].LastSequence)
}

// faultySender fails sends to one connection with a non-gone error.
type faultySender struct {
	*memory.Sender
	failID string
}

func (s *faultySender) Send(ctx context.Context, connID string, data []byte) error {
	if connID == s.failID {
		return errors.New("write timeout")
	}
	return s.Sender.Send(ctx, connID, data)
}

func TestFailedDeliveryKeepsSequenceMark(t *testing.T) {
	ctx := context.Background()
	storage := memory.NewStorage()
	sender := &faultySender{Sender: memory.NewSender(), failID: "c2"}
	source := newFakeSource()
	tl := New(Config{Broker: broker.New(broker.BrokerConfig{Storage: storage, Sender: sender}), Source: source})
	done := make(chan error, 1)
	go func() { done <- tl.Run(ctx) }()

	in1 := sender.Connect("c1")
	sender.Connect("c2")
	require.NoError(t, storage.Register(ctx, "c1", ""))
	require.NoError(t, storage.Register(ctx, "c2", ""))
	require.NoError(t, storage.Subscribe(ctx, "c1", uuid.New(), "todo"))
	require.NoError(t, storage.Subscribe(ctx, "c2", uuid.New(), "todo"))

	source.emit(ChangeEvent{Kind: ChangePut, ActorID: "todo", State: []byte(`B`), Sequence: 42})
	receiveData(t, in1)

	require.NoError(t, source.Close(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tailer did not stop")
	}

	// Only the successful delivery advanced its mark; the failed subscriber
	// keeps sequence 0 so a resume replays the frame.
	subs, err := storage.Connections(ctx, "todo")
	require.NoError(t, err)
	marks := map[string]uint64{}
	for _, sub := range subs {
		marks[sub.ConnectionID] = sub.LastSequence
	}
	require.Equal(t, uint64(42), marks["c1"])
	require.Zero(t, marks["c2"])
}

func TestOtherActorsUnaffected(t *testing.T) {
	f := newFixture(t)
	_, todoIn := f.subscribe(t, "c1", "todo")
	_, notesIn := f.subscribe(t, "c2", "notes")

	f.source.emit(ChangeEvent{Kind: ChangePut, ActorID: "todo", State: []byte(`B`), Sequence: 1})
	receiveData(t, todoIn)
	f.stop(t)

	select {
	case raw := <-notesIn:
		t.Fatalf("unexpected frame for notes subscriber: %s", raw)
	default:
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	source := newFakeSource()
	tl := New(Config{
		Broker: broker.New(broker.BrokerConfig{Storage: memory.NewStorage(), Sender: memory.NewSender()}),
		Source: source,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tl.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("tailer did not stop on cancel")
	}
}
