package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/simplebus/config"
	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/errs"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Durability = config.Durability{Mode: config.FsyncAlways}
	return cfg
}

func openBus(t *testing.T, cfg config.Config) *Bus {
	t.Helper()
	b, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func drain(t *testing.T, sub *Subscription, n int) []*schema.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make([]*schema.Event, 0, n)
	for len(out) < n {
		d, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, schema.DeliveryEvent, d.Kind)
		out = append(out, d.Event)
	}
	return out
}

func TestBasicRoundTrip(t *testing.T) {
	b := openBus(t, testConfig(t))

	topic, err := b.Topic("t")
	require.NoError(t, err)

	id, err := topic.Publish(context.Background(), []byte("hello"), nil)
	require.NoError(t, err)

	sub, err := topic.Subscribe(context.Background(), schema.FromBeginning(), true)
	require.NoError(t, err)
	defer sub.Close()

	events := drain(t, sub, 1)
	require.Equal(t, "hello", string(events[0].Payload))
	require.Equal(t, id, events[0].ID)
}

func TestTopicNameValidation(t *testing.T) {
	b := openBus(t, testConfig(t))

	_, err := b.Topic("../escape")
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeLimitExceeded))

	_, err = b.Topic("")
	require.Error(t, err)
}

func TestTopicsPersistAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Durability = config.Durability{Mode: config.FsyncBatch, MaxEvents: 256, MaxMillis: 5}

	b, err := Open(cfg)
	require.NoError(t, err)
	topic, err := b.Topic("orders")
	require.NoError(t, err)
	ids := make([]schema.EventID, 0, 1000)
	for i := 0; i < 1000; i++ {
		id, err := topic.Publish(context.Background(), []byte{byte(i)}, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	require.NoError(t, b.Shutdown(ctx))
	cancel()

	reopened := openBus(t, cfg)
	require.Equal(t, []string{"orders"}, reopened.Topics())

	topic, err = reopened.Topic("orders")
	require.NoError(t, err)

	sub, err := topic.Subscribe(context.Background(), schema.FromBeginning(), true)
	require.NoError(t, err)
	defer sub.Close()
	events := drain(t, sub, 1000)
	for i, evt := range events {
		require.Equal(t, ids[i], evt.ID, "order at %d", i)
	}
}

func TestTimestampReplayAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Durability = config.Durability{Mode: config.FsyncBatch, MaxEvents: 256, MaxMillis: 5}

	b, err := Open(cfg)
	require.NoError(t, err)
	topic, err := b.Topic("t")
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		_, err := topic.Publish(context.Background(), []byte{byte(i)}, nil)
		require.NoError(t, err)
	}

	sub, err := topic.Subscribe(context.Background(), schema.FromBeginning(), true)
	require.NoError(t, err)
	all := drain(t, sub, 1000)
	sub.Close()
	target := all[500].TSUnixNanos
	startIdx := 0
	for i, evt := range all {
		if evt.TSUnixNanos >= target {
			startIdx = i
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	require.NoError(t, b.Shutdown(ctx))
	cancel()

	reopened := openBus(t, cfg)
	topic, err = reopened.Topic("t")
	require.NoError(t, err)

	sub, err = topic.Subscribe(context.Background(), schema.FromTimestamp(target), true)
	require.NoError(t, err)
	defer sub.Close()

	replayed := drain(t, sub, 1000-startIdx)
	require.GreaterOrEqual(t, replayed[0].TSUnixNanos, target)
	require.Equal(t, all[startIdx].ID, replayed[0].ID)
	require.Equal(t, all[999].ID, replayed[len(replayed)-1].ID)
}

func TestShutdownIsIdempotentAndTerminal(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg)
	require.NoError(t, err)

	topic, err := b.Topic("t")
	require.NoError(t, err)
	_, err = topic.Publish(context.Background(), []byte("x"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
	require.NoError(t, b.Shutdown(ctx)) // idempotent

	_, err = topic.Publish(context.Background(), []byte("late"), nil)
	require.True(t, errs.IsCode(err, errs.CodeShutdown))

	_, err = b.Topic("other")
	require.True(t, errs.IsCode(err, errs.CodeShutdown))
}

func TestCrossTopicIndependence(t *testing.T) {
	b := openBus(t, testConfig(t))

	a, err := b.Topic("a")
	require.NoError(t, err)
	c, err := b.Topic("c")
	require.NoError(t, err)

	idA, err := a.Publish(context.Background(), []byte("from-a"), nil)
	require.NoError(t, err)
	_, err = c.Publish(context.Background(), []byte("from-c"), nil)
	require.NoError(t, err)

	sub, err := a.Subscribe(context.Background(), schema.FromBeginning(), true)
	require.NoError(t, err)
	defer sub.Close()

	events := drain(t, sub, 1)
	require.Equal(t, idA, events[0].ID)
	require.Equal(t, "a", events[0].Topic)
}

func TestExclusiveCursorProperty(t *testing.T) {
	b := openBus(t, testConfig(t))
	topic, err := b.Topic("t")
	require.NoError(t, err)

	const n = 40
	ids := make([]schema.EventID, 0, n)
	for i := 0; i < n; i++ {
		id, err := topic.Publish(context.Background(), []byte{byte(i)}, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, k := range []int{0, 7, 20, n - 2, n - 1} {
		sub, err := topic.Subscribe(context.Background(), schema.FromEventID(ids[k]), false)
		require.NoError(t, err)
		if k == n-1 {
			// Nothing after the final event; just ensure no backlog arrives.
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			_, err := sub.Next(ctx)
			cancel()
			require.Error(t, err)
			sub.Close()
			continue
		}
		events := drain(t, sub, n-k-1)
		require.Equal(t, ids[k+1], events[0].ID)
		sub.Close()
	}
}
