package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/mdisibio/ibtsensor/internal/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerServesSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Record("brisket", probe.Reading{Celsius: 64.2, Present: true}))

	srv := NewServer("127.0.0.1:0", "/metrics", r.Gatherer())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(body), `ibt_temperature_celsius{name="brisket"} 64.2`)

	resp, err = http.Get("http://" + srv.Addr() + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServerListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	r := newTestRegistry(t)
	srv := NewServer(ln.Addr().String(), "/metrics", r.Gatherer())
	assert.Error(t, srv.Listen())
}

func TestServeWithoutListen(t *testing.T) {
	r := newTestRegistry(t)
	srv := NewServer("127.0.0.1:0", "/metrics", r.Gatherer())
	assert.Error(t, srv.Serve(context.Background()))
}
