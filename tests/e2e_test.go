// Package tests runs the assembled service end to end over real TCP with a
// standard websocket client.
package tests

import (
	"context"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirehub/wirehub/config"
	"github.com/wirehub/wirehub/src/auth"
	"github.com/wirehub/wirehub/src/service"
	"github.com/wirehub/wirehub/src/types"
)

func startService(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.OpsAddr = "" // the ops api has its own tests
	cfg.SweepInterval = time.Hour

	validator := auth.NewStaticValidator(map[string]auth.Identity{
		"tok-alice": {UserID: "alice", TenantID: "acme"},
		"tok-bob":   {UserID: "bob", TenantID: "acme"},
	})
	svc, err := service.New(cfg, service.Options{
		Validator: validator,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return "ws://" + svc.Addr().String() + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg types.Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func recv(t *testing.T, conn *websocket.Conn) types.Reply {
	t.Helper()
	var r types.Reply
	require.NoError(t, conn.ReadJSON(&r))
	return r
}

func authenticate(t *testing.T, conn *websocket.Conn, token, wantUser string) {
	t.Helper()
	send(t, conn, types.Message{Type: types.TypeAuth, Token: token})
	reply := recv(t, conn)
	require.Equal(t, types.TypeAuthOK, reply.Type)
	require.Equal(t, wantUser, reply.UserID)
}

func join(t *testing.T, conn *websocket.Conn, channel string) {
	t.Helper()
	send(t, conn, types.Message{Type: types.TypeJoinChannel, Channel: channel})
	reply := recv(t, conn)
	require.Equal(t, types.TypeJoined, reply.Type)
	require.Equal(t, channel, reply.Channel)
}

func TestChatSession(t *testing.T) {
	url := startService(t)

	alice := dial(t, url)
	bob := dial(t, url)

	authenticate(t, alice, "tok-alice", "alice")
	authenticate(t, bob, "tok-bob", "bob")

	join(t, alice, "general")
	join(t, bob, "general")

	// Alice is notified of bob's arrival.
	notice := recv(t, alice)
	assert.Equal(t, types.TypeUserJoined, notice.Type)
	assert.Equal(t, "bob", notice.UserID)
	assert.Equal(t, "general", notice.Channel)

	send(t, alice, types.Message{Type: types.TypeSendMessage, Channel: "general", Content: "hello bob"})
	got := recv(t, bob)
	assert.Equal(t, types.TypeMessage, got.Type)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "hello bob", got.Content)
	assert.Equal(t, "general", got.Channel)

	// Bob replies privately.
	send(t, bob, types.Message{Type: types.TypePrivateMessage, To: "alice", Content: "hi"})
	private := recv(t, alice)
	assert.Equal(t, types.TypePrivateMessage, private.Type)
	assert.Equal(t, "bob", private.From)
	assert.Equal(t, "hi", private.Content)
}

func TestChannelIsolationEndToEnd(t *testing.T) {
	url := startService(t)

	alice := dial(t, url)
	bob := dial(t, url)
	authenticate(t, alice, "tok-alice", "alice")
	authenticate(t, bob, "tok-bob", "bob")
	join(t, alice, "eng")
	join(t, bob, "sales")

	send(t, alice, types.Message{Type: types.TypeSendMessage, Channel: "eng", Content: "standup"})

	// Bob hears nothing; the next thing he receives is his own pong.
	send(t, bob, types.Message{Type: types.TypePing})
	assert.Equal(t, types.TypePong, recv(t, bob).Type)
}

func TestAuthRequiredEndToEnd(t *testing.T) {
	url := startService(t)
	conn := dial(t, url)

	send(t, conn, types.Message{Type: types.TypeJoinChannel, Channel: "general"})
	reply := recv(t, conn)
	require.Equal(t, types.TypeError, reply.Type)
	require.NotNil(t, reply.Error)
	assert.Equal(t, string(types.KindAuth), reply.Error.Code)

	// The connection is still usable after the rejection.
	authenticate(t, conn, "tok-alice", "alice")
}

func TestOnlineUsersEndToEnd(t *testing.T) {
	url := startService(t)

	alice := dial(t, url)
	bob := dial(t, url)
	authenticate(t, alice, "tok-alice", "alice")
	authenticate(t, bob, "tok-bob", "bob")

	send(t, alice, types.Message{Type: types.TypeGetOnlineUsers})
	listing := recv(t, alice)
	require.Equal(t, types.TypeOnlineUsers, listing.Type)
	assert.Equal(t, []string{"alice", "bob"}, listing.Users)
}

func TestCleanCloseEndToEnd(t *testing.T) {
	url := startService(t)
	conn := dial(t, url)
	authenticate(t, conn, "tok-alice", "alice")

	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	))

	// The server echoes the close; the client library surfaces it as a
	// CloseError on the next read.
	var r types.Reply
	err := conn.ReadJSON(&r)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServerLevelPing(t *testing.T) {
	url := startService(t)
	conn := dial(t, url)

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	require.NoError(t, conn.WriteControl(
		websocket.PingMessage, []byte("beat"), time.Now().Add(time.Second),
	))

	// Pongs are only surfaced while a read is in flight; kick one off with
	// an application ping round trip.
	authenticate(t, conn, "tok-alice", "alice")
	send(t, conn, types.Message{Type: types.TypePing})
	assert.Equal(t, types.TypePong, recv(t, conn).Type)

	select {
	case data := <-pong:
		assert.Equal(t, "beat", data)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}
