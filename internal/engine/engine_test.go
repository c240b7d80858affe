package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nkkko/notify-relay/internal/bus"
	"github.com/nkkko/notify-relay/internal/domain"
	"github.com/nkkko/notify-relay/pkg/client"
	"github.com/nkkko/notify-relay/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(apiType domain.APIType) Config {
	config := DefaultConfig()
	config.API.Type = apiType
	config.API.Listener.Addr = "127.0.0.1:0"
	config.API.Listener.PublishEnabled = true
	config.ShutdownTimeout = 2 * time.Second
	return config
}

// runEngine starts e and returns a function that stops it and waits for Start
// to return
func runEngine(t *testing.T, e *Engine) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(ctx) }()

	select {
	case <-e.API().Started():
	case err := <-errCh:
		t.Fatalf("engine exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not start")
	}

	return func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("engine did not stop")
		}
		assert.NoError(t, e.Shutdown(context.Background()))
	}
}

func TestEngineEndToEnd(t *testing.T) {
	for _, apiType := range []domain.APIType{domain.ChiAPI, domain.FiberAPI} {
		t.Run(string(apiType), func(t *testing.T) {
			mb := bus.NewMemoryBus(16)
			e, err := NewEngine(testConfig(apiType), mb)
			require.NoError(t, err)

			stop := runEngine(t, e)

			require.Eventually(t, func() bool { return mb.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			base := "http://" + e.API().Addr()
			conn, err := client.DialPath(ctx, base, "/ws")
			require.NoError(t, err)
			require.NoError(t, conn.Join(99))
			require.Eventually(t, func() bool { m, _ := e.Registry().Count(); return m == 1 }, 2*time.Second, 5*time.Millisecond)

			record := []byte(`{"user":"99","message":"Your order shipped"}`)
			_, err = mb.Publish(ctx, record)
			require.NoError(t, err)

			ev, err := conn.Next(ctx, proto.EventNewNotification)
			require.NoError(t, err)
			assert.Equal(t, string(record), string(ev.Data))

			stop()

			select {
			case <-conn.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("client connection was not closed on shutdown")
			}
			members, groups := e.Registry().Count()
			assert.Zero(t, members)
			assert.Zero(t, groups)
		})
	}
}

func TestEngineWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	config := testConfig(domain.ChiAPI)
	config.Bus = bus.Config{
		Type:  bus.RedisBusType,
		Redis: bus.RedisConfig{Addr: mr.Addr(), Channel: "notifications"},
	}

	e, err := CreateEngine(config)
	require.NoError(t, err)
	stop := runEngine(t, e)
	defer stop()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("notifications")["notifications"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	base := "http://" + e.API().Addr()
	conn, err := client.DialPath(ctx, base, "/ws")
	require.NoError(t, err)
	require.NoError(t, conn.Join("alice"))
	require.Eventually(t, func() bool { m, _ := e.Registry().Count(); return m == 1 }, 2*time.Second, 5*time.Millisecond)

	// Publish through the HTTP endpoint, which goes out over Redis and back
	result, err := client.New(base).Publish(ctx, []byte(`{"user":"alice","title":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Receivers)

	ev, err := conn.Next(ctx, proto.EventNewNotification)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":"alice","title":"hi"}`, string(ev.Data))

	stats, err := client.New(base).Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Members)
}

func TestEngineFailsWhenBusUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	config := testConfig(domain.ChiAPI)
	config.Bus = bus.Config{Type: bus.RedisBusType, Redis: bus.RedisConfig{Addr: addr}}

	e, err := CreateEngine(config)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = e.Start(ctx)
	assert.Error(t, err)
	assert.NoError(t, e.Shutdown(context.Background()))
}

func TestCreateEngineRejectsUnknownTypes(t *testing.T) {
	config := DefaultConfig()
	config.Bus.Type = "kafka"
	_, err := CreateEngine(config)
	assert.Error(t, err)

	config = DefaultConfig()
	config.Bus.Type = bus.MemoryBusType
	config.API.Type = "gin"
	_, err = CreateEngine(config)
	assert.Error(t, err)
}
