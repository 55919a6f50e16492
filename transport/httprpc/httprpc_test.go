package httprpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer()
	require.NoError(t, srv.Listen(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, "http://" + srv.Addr().String()
}

func TestInvokeRoundTrip(t *testing.T) {
	srv, endpoint := startServer(t)

	go func() {
		for msg := range srv.Messages() {
			_ = msg.Respond(context.Background(), append([]byte("resp:"), msg.Bytes...))
		}
	}()

	client := NewClient(endpoint)
	body, err := client.Invoke(context.Background(), []byte(`{"type":"invocation"}`))
	require.NoError(t, err)
	require.Equal(t, `resp:{"type":"invocation"}`, string(body))
}

func TestInvokeFailWritesBadRequest(t *testing.T) {
	srv, endpoint := startServer(t)

	go func() {
		for msg := range srv.Messages() {
			_ = msg.Fail(context.Background(), errors.New("unknown envelope type"))
		}
	}()

	client := NewClient(endpoint)
	_, err := client.Invoke(context.Background(), []byte(`garbage`))
	require.ErrorContains(t, err, "status 400")
	require.ErrorContains(t, err, "unknown envelope type")
}

func TestHealthEndpoint(t *testing.T) {
	_, endpoint := startServer(t)

	resp, err := http.Get(endpoint + HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "OK", string(body))

	require.NoError(t, NewClient(endpoint).Health(context.Background()))
}

func TestUnknownPathIs404(t *testing.T) {
	_, endpoint := startServer(t)

	resp, err := http.Get(endpoint + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvokeRejectsGet(t *testing.T) {
	_, endpoint := startServer(t)

	resp, err := http.Get(endpoint + InvokePath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEachRequestYieldsExactlyOneMessage(t *testing.T) {
	srv, endpoint := startServer(t)

	var count int
	go func() {
		for msg := range srv.Messages() {
			count++
			_ = msg.Respond(context.Background(), []byte(fmt.Sprintf(`{"n":%d}`, count)))
		}
	}()

	client := NewClient(endpoint)
	for i := 1; i <= 3; i++ {
		body, err := client.Invoke(context.Background(), []byte(`{}`))
		require.NoError(t, err)
		require.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(body))
	}
}

func TestRespondIsOneShot(t *testing.T) {
	srv, endpoint := startServer(t)

	go func() {
		for msg := range srv.Messages() {
			_ = msg.Respond(context.Background(), []byte(`first`))
			// A second respond must not corrupt the finished response.
			_ = msg.Respond(context.Background(), []byte(`second`))
		}
	}()

	body, err := NewClient(endpoint).Invoke(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "first", string(body))
}

func TestAbandonedRequestDoesNotBlockServer(t *testing.T) {
	srv, endpoint := startServer(t)

	// Issue a request with a short deadline and never consume the message.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewClient(endpoint).Invoke(ctx, []byte(`{}`))
	require.Error(t, err)

	// The abandoned message is still in the queue; later requests work.
	go func() {
		for msg := range srv.Messages() {
			if strings.Contains(string(msg.Bytes), "live") {
				_ = msg.Respond(context.Background(), []byte(`ok`))
			}
		}
	}()
	body, err := NewClient(endpoint).Invoke(context.Background(), []byte(`{"live":true}`))
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}
