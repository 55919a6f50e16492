package tcpnet

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"invocation"}`)
	require.NoError(t, WriteFrame(&buf, payload))

	require.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameBytes+1)
	buf.Write(header[:])

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	err := WriteFrame(&bytes.Buffer{}, make([]byte, MaxFrameBytes+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestServerDeliversMessagesAndResponds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1:0"))
	defer srv.Shutdown(context.Background())

	// Echo consumer.
	go func() {
		for msg := range srv.Messages() {
			_ = msg.Respond(ctx, append([]byte("echo:"), msg.Bytes...))
		}
	}()

	conn, err := Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(ctx, []byte("hello")))
	select {
	case reply := <-conn.Inbound():
		require.Equal(t, []byte("echo:hello"), reply)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

func TestServerHandlesMultipleFramesPerConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1:0"))
	defer srv.Shutdown(context.Background())

	conn, err := Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(ctx, []byte("one")))
	require.NoError(t, conn.Send(ctx, []byte("two")))

	first := <-srv.Messages()
	second := <-srv.Messages()
	require.Equal(t, []byte("one"), first.Bytes)
	require.Equal(t, []byte("two"), second.Bytes)
	require.Equal(t, first.Source, second.Source, "frames on one connection share a source")
}

func TestPoolReusesLiveConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1:0"))
	defer srv.Shutdown(context.Background())

	pool := NewPool()
	defer pool.Close()
	endpoint := srv.Addr().String()

	c1, err := pool.Get(ctx, endpoint)
	require.NoError(t, err)
	c2, err := pool.Get(ctx, endpoint)
	require.NoError(t, err)
	require.Same(t, c1, c2)

	// A closed connection is replaced on the next Get.
	require.NoError(t, c1.Close())
	c3, err := pool.Get(ctx, endpoint)
	require.NoError(t, err)
	require.NotSame(t, c1, c3)
}

func TestShutdownClosesConnections(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1:0"))

	conn, err := Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, srv.Shutdown(context.Background()))

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client connection not torn down")
	}
}
