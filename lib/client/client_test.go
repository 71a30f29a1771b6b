package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/simplebus/bus"
	"github.com/coachpo/simplebus/config"
	"github.com/coachpo/simplebus/internal/server"
)

func startDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	b, err := bus.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})

	srv := httptest.NewServer(server.NewHandler(b, config.ServerConfig{Addr: "", PublishRatePerSec: 0, PublishBurst: 0}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPublishSubscribeOverNetwork(t *testing.T) {
	srv := startDaemon(t)
	c := New(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := c.Publish(ctx, "t", []byte{byte('a' + i)}, map[string]string{"n": "1"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var got []Frame
	err := c.Subscribe(ctx, "t", "beginning", func(f Frame) error {
		got = append(got, f)
		if len(got) == 3 {
			return context.Canceled // stop the stream
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, f := range got {
		require.Equal(t, ids[i], f.EventID)
		require.Equal(t, []byte{byte('a' + i)}, f.Payload)
	}
}

func TestSubscribeFromIDCursorIncludesNamedEvent(t *testing.T) {
	srv := startDaemon(t)
	c := New(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := c.Publish(ctx, "t", []byte("one"), nil)
	require.NoError(t, err)
	second, err := c.Publish(ctx, "t", []byte("two"), nil)
	require.NoError(t, err)

	// An initial id cursor is inclusive and replays from the named event.
	// Only the reconnect path subscribes exclusively, after the last
	// delivered id.
	var seen []string
	err = c.Subscribe(ctx, "t", "id:"+first, func(f Frame) error {
		seen = append(seen, f.EventID)
		if len(seen) == 2 {
			return context.Canceled
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{first, second}, seen)
}

func TestPublishErrorSurfacesStatus(t *testing.T) {
	srv := startDaemon(t)
	c := New(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Publish(ctx, "bad!topic", []byte("x"), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "413")
}
