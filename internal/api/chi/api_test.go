package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nkkko/notify-relay/internal/api/gateway"
	"github.com/nkkko/notify-relay/internal/bus"
	"github.com/nkkko/notify-relay/internal/registry"
	"github.com/nkkko/notify-relay/internal/router"
	"github.com/nkkko/notify-relay/pkg/client"
	"github.com/nkkko/notify-relay/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	api      *ChiAPI
	registry *registry.Registry
	bus      *bus.MemoryBus
	server   *httptest.Server
	client   *client.Client
}

func newTestServer(t *testing.T, config gateway.Config, ready gateway.ReadinessCheck) *testServer {
	t.Helper()

	reg := registry.New()
	r := router.NewRouter(reg)
	mb := bus.NewMemoryBus(16)

	config.PublishEnabled = true
	api := NewChiAPI(config, gateway.Dependencies{
		Registry:  reg,
		Router:    r,
		Publisher: mb,
		Ready:     ready,
	})

	srv := httptest.NewServer(api.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	go mb.Subscribe(ctx, r.Handle)
	require.Eventually(t, func() bool { return mb.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		srv.Close()
		mb.Close()
	})

	return &testServer{
		api:      api,
		registry: reg,
		bus:      mb,
		server:   srv,
		client:   client.New(srv.URL, client.WithTimeout(2*time.Second)),
	}
}

func (ts *testServer) dial(t *testing.T, opts ...client.Option) *client.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := client.DialPath(ctx, ts.server.URL, "/ws", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (ts *testServer) waitMembers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		members, _ := ts.registry.Count()
		return members == n
	}, 2*time.Second, 5*time.Millisecond)
}

func nextEvent(t *testing.T, conn *client.Conn, name string) client.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev, err := conn.Next(ctx, name)
	require.NoError(t, err)
	return ev
}

func expectNoEvent(t *testing.T, conn *client.Conn) {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		if ok {
			t.Fatalf("unexpected event %s: %s", ev.Name, ev.Data)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, gateway.Config{}, nil)

	resp, err := http.Get(ts.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, "ok", body.Data.Status)

	resp, err = http.Get(ts.server.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyzReportsFailure(t *testing.T) {
	ts := newTestServer(t, gateway.Config{}, func(context.Context) error {
		return errors.New("redis down")
	})

	resp, err := http.Get(ts.server.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPublishDeliversToJoinedUser(t *testing.T) {
	ts := newTestServer(t, gateway.Config{}, nil)

	alice := ts.dial(t)
	bob := ts.dial(t)
	require.NoError(t, alice.Join(42))
	require.NoError(t, bob.Join("bob"))
	ts.waitMembers(t, 2)

	record := `{"user": "42",  "title": "Refill", "data": {"a": [1, 2]}}`
	result, err := ts.client.Publish(context.Background(), []byte(record))
	require.NoError(t, err)
	assert.Equal(t, "42", result.User)
	assert.Equal(t, int64(1), result.Receivers)

	ev := nextEvent(t, alice, proto.EventNewNotification)
	assert.Equal(t, record, string(ev.Data))

	expectNoEvent(t, bob)
}

func TestPublishRejectsInvalidRecords(t *testing.T) {
	ts := newTestServer(t, gateway.Config{}, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"empty", "", "empty_request_body"},
		{"not json", "{nope", "invalid_json"},
		{"missing user", `{"title":"x"}`, "required_field_missing"},
		{"bad user", `{"user":true}`, "invalid_user"},
		{"array", `[1,2]`, "invalid_record"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.client.Publish(context.Background(), []byte(tt.body))
			var apiErr *client.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestPublishRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t, gateway.Config{MaxBodySize: 32}, nil)

	body := `{"user":1,"message":"` + strings.Repeat("x", 64) + `"}`
	_, err := ts.client.Publish(context.Background(), []byte(body))

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, apiErr.StatusCode)
}

func TestMarkReadReachesSendersGroup(t *testing.T) {
	ts := newTestServer(t, gateway.Config{}, nil)

	phone := ts.dial(t)
	laptop := ts.dial(t)
	other := ts.dial(t)
	require.NoError(t, phone.Join("u1"))
	require.NoError(t, laptop.Join("u1"))
	require.NoError(t, other.Join("u2"))
	ts.waitMembers(t, 3)

	require.NoError(t, phone.MarkRead(17))

	assert.Equal(t, "17", string(nextEvent(t, phone, proto.EventNotificationRead).Data))
	assert.Equal(t, "17", string(nextEvent(t, laptop, proto.EventNotificationRead).Data))
	expectNoEvent(t, other)
}

func TestLeaveAndDisconnect(t *testing.T) {
	ts := newTestServer(t, gateway.Config{}, nil)

	conn := ts.dial(t)
	require.NoError(t, conn.Join("u1"))
	ts.waitMembers(t, 1)

	require.NoError(t, conn.Leave())
	ts.waitMembers(t, 0)

	require.NoError(t, conn.Join("u1"))
	ts.waitMembers(t, 1)

	require.NoError(t, conn.Close())
	ts.waitMembers(t, 0)
	assert.Empty(t, ts.registry.Lookup("u1"))
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, gateway.Config{}, nil)

	a := ts.dial(t)
	b := ts.dial(t)
	require.NoError(t, a.Join("x"))
	require.NoError(t, b.Join("x"))
	ts.waitMembers(t, 2)

	stats, err := ts.client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Members)
	assert.Equal(t, 1, stats.Groups)
	assert.Equal(t, EngineName, stats.Engine)
}

func TestOriginAllowlist(t *testing.T) {
	ts := newTestServer(t, gateway.Config{AllowedOrigins: []string{"https://app.example"}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.DialPath(ctx, ts.server.URL, "/ws",
		client.WithHeaders(map[string]string{"Origin": "https://evil.example"}))
	assert.Error(t, err)

	conn := ts.dial(t, client.WithHeaders(map[string]string{"Origin": "https://app.example"}))
	require.NoError(t, conn.Join(1))
	ts.waitMembers(t, 1)
}

func TestStartAndShutdown(t *testing.T) {
	reg := registry.New()
	api := NewChiAPI(gateway.Config{Addr: "127.0.0.1:0"}, gateway.Dependencies{
		Registry: reg,
		Router:   router.NewRouter(reg),
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- api.Start(ctx) }()

	select {
	case <-api.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not start")
	}
	assert.NotEqual(t, "127.0.0.1:0", api.Addr())

	conn, err := client.DialPath(context.Background(), "http://"+api.Addr(), "/ws")
	require.NoError(t, err)
	require.NoError(t, conn.Join("u"))
	require.Eventually(t, func() bool { m, _ := reg.Count(); return m == 1 }, 2*time.Second, 5*time.Millisecond)

	// Canceling the serve context closes every session
	cancel()
	require.NoError(t, <-errCh)
	require.NoError(t, api.Shutdown(context.Background()))

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client connection was not closed")
	}
	require.Eventually(t, func() bool { m, g := reg.Count(); return m == 0 && g == 0 }, 2*time.Second, 5*time.Millisecond)
}
