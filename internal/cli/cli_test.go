package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nkkko/notify-relay/internal/bus"
	"github.com/nkkko/notify-relay/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUserJSON(t *testing.T) {
	assert.Equal(t, `42`, string(userJSON("42")))
	assert.Equal(t, `-7`, string(userJSON("-7")))
	assert.Equal(t, `"alice"`, string(userJSON("alice")))
	assert.Equal(t, `"4.5"`, string(userJSON("4.5")))
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "publish", "tail"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestPublishRequiresUser(t *testing.T) {
	_, err := run(t, "publish", "--message", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")
}

func TestPublishRejectsBadPriority(t *testing.T) {
	_, err := run(t, "publish", "--user", "alice", "--message", "hi", "--priority", "urgent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priority")
}

func TestPublishToRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	sub := bus.NewRedisBus(bus.RedisConfig{Addr: mr.Addr(), Channel: proto.DefaultChannel})
	defer sub.Close()

	got := make(chan *proto.Notification, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = sub.Subscribe(ctx, func(_ context.Context, n *proto.Notification) {
			got <- n
		})
	}()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(proto.DefaultChannel)[proto.DefaultChannel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	out, err := run(t, "publish",
		"--user", "42",
		"--title", "Build",
		"--message", "finished",
		"--redis-addr", mr.Addr(),
	)
	require.NoError(t, err)
	assert.Contains(t, out, "user=42 receivers=1")

	select {
	case n := <-got:
		assert.Equal(t, proto.Identity("42"), n.User)
		assert.Contains(t, string(n.Payload), `"user":42`)
		assert.Contains(t, string(n.Payload), `"message":"finished"`)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}
}

func TestPublishOverHTTP(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		received = buf.Bytes()

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"success":true,"data":{"user":"alice","receivers":3}}`))
	}))
	defer srv.Close()

	out, err := run(t, "publish", "--user", "alice", "--message", "hello", "--url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "receivers=3")
	assert.Contains(t, string(received), `"user":"alice"`)
}

func TestPublishOverHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := run(t, "publish", "--user", "alice", "--message", "hello", "--url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestServeRejectsUnknownEngine(t *testing.T) {
	_, err := run(t, "serve", "--engine", "gin")
	require.Error(t, err)
}
