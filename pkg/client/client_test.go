package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/notify-relay/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay answers the HTTP endpoints with canned envelopes and echoes
// every WebSocket frame back as "got_<event>"
func fakeRelay(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if !json.Valid(body) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":false,"error":{"type":"validation","code":"invalid_json","message":"body is not valid JSON"}}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"success":true,"data":{"user":"42","receivers":2}}`))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"members":3,"groups":2,"engine":"chi","uptime":"1m0s"}}`))
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		noise, _ := proto.EncodeEnvelope("noise", json.RawMessage(`1`))
		_ = ws.WriteMessage(websocket.TextMessage, noise)

		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := proto.DecodeEnvelope(frame)
			if err != nil {
				continue
			}
			reply, _ := proto.EncodeEnvelope("got_"+env.Event, env.Data)
			if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientPublish(t *testing.T) {
	srv := fakeRelay(t)
	c := New(srv.URL+"/", WithHeaders(map[string]string{"X-Token": "secret"}))

	result, err := c.Publish(context.Background(), []byte(`{"user":42,"message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "42", result.User)
	assert.Equal(t, int64(2), result.Receivers)
}

func TestClientPublishErrors(t *testing.T) {
	srv := fakeRelay(t)

	c := New(srv.URL, WithHeaders(map[string]string{"X-Token": "secret"}))
	_, err := c.Publish(context.Background(), []byte(`{not json`))
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_json", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "invalid_json")

	// No envelope in the body still yields the status code
	_, err = New(srv.URL).Publish(context.Background(), []byte(`{}`))
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "API error (403)", apiErr.Error())
}

func TestClientStats(t *testing.T) {
	srv := fakeRelay(t)

	stats, err := New(srv.URL).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Members)
	assert.Equal(t, 2, stats.Groups)
	assert.Equal(t, "chi", stats.Engine)
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"http://localhost:8080", "/ws", "ws://localhost:8080/ws"},
		{"https://relay.example.com", "/ws", "wss://relay.example.com/ws"},
		{"ws://localhost:8080/ws", "", "ws://localhost:8080/ws"},
		{"http://localhost:8080/old", "/live", "ws://localhost:8080/live"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := websocketURL(tt.base, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnRoundTrip(t *testing.T) {
	srv := fakeRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialPath(ctx, srv.URL, "/ws", WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Join(42))
	ev, err := conn.Next(ctx, "got_join")
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(ev.Data))

	require.NoError(t, conn.Join("alice"))
	ev, err = conn.Next(ctx, "got_join")
	require.NoError(t, err)
	assert.JSONEq(t, `"alice"`, string(ev.Data))

	require.NoError(t, conn.MarkRead("n-1"))
	ev, err = conn.Next(ctx, "got_mark_read")
	require.NoError(t, err)
	assert.JSONEq(t, `"n-1"`, string(ev.Data))

	require.NoError(t, conn.Leave())
	_, err = conn.Next(ctx, "got_leave")
	require.NoError(t, err)
}

func TestConnJoinRejectsInvalidIdentity(t *testing.T) {
	srv := fakeRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, strings.Replace(srv.URL, "http", "ws", 1)+"/ws")
	require.NoError(t, err)
	defer conn.Close()

	assert.Error(t, conn.Join(true))
	assert.Error(t, conn.Join(map[string]string{"id": "1"}))
	assert.Error(t, conn.Join(""))
}

func TestConnClose(t *testing.T) {
	srv := fakeRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialPath(ctx, srv.URL, "/ws")
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("connection not closed")
	}

	assert.ErrorIs(t, conn.Join(1), ErrClosed)

	_, err = conn.Next(ctx, "anything")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", WithTimeout(500*time.Millisecond))
	assert.Error(t, err)

	_, err = DialPath(context.Background(), "://bad", "/ws")
	assert.Error(t, err)
}
