package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/putto11262002/tripchat/internal/devserver"
	"github.com/putto11262002/tripchat/pkg/chat"
	"github.com/putto11262002/tripchat/pkg/chat/proto"
	"github.com/putto11262002/tripchat/pkg/notify"
	"github.com/putto11262002/tripchat/pkg/session"
	"github.com/putto11262002/tripchat/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("client-test")

func startServer(t *testing.T) (*devserver.Server, Config) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := devserver.New(devserver.Config{Secret: secret, AllowedOrigins: []string{"*"}})
	require.NoError(t, srv.Start(ctx))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		<-srv.Done()
		ts.Close()
	})
	return srv, Config{
		URL:           "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		APIURL:        ts.URL + "/api",
		AckTimeout:    2 * time.Second,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	}
}

func issue(t *testing.T, id session.Identity) string {
	t.Helper()
	tok, _, err := session.Issue(id, time.Hour, secret)
	require.NoError(t, err)
	return tok
}

func run(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	require.Eventually(t, c.Connected, 3*time.Second, 10*time.Millisecond)
}

func TestNew(t *testing.T) {
	t.Run("invalid_token", func(t *testing.T) {
		_, err := New(Config{URL: "ws://localhost/ws", APIURL: "http://localhost", Token: "garbage"})
		require.ErrorIs(t, err, chat.ErrValidation)
	})

	t.Run("identity_from_token", func(t *testing.T) {
		id := session.Identity{UserID: "g1", Role: chat.Guide, Name: "Gail"}
		c, err := New(Config{URL: "ws://localhost/ws", APIURL: "http://localhost", Token: issue(t, id)})
		require.NoError(t, err)
		assert.Equal(t, id, c.ID)
		assert.False(t, c.Connected())
	})
}

func TestCacheAndNotifications(t *testing.T) {
	srv, cfg := startServer(t)
	client := session.Identity{UserID: "c1", Role: chat.Client}
	guide := session.Identity{UserID: "g1", Role: chat.Guide}
	require.NoError(t, srv.AddUser(context.Background(), guide))

	file := filepath.Join(t.TempDir(), "cache.db")
	gcfg := cfg
	gcfg.Token = issue(t, guide)
	gcfg.CacheFile = file
	notes := notify.NewChanNotifier(4)
	g, err := New(gcfg, WithNotifier(notes))
	require.NoError(t, err)
	run(t, g)
	g.SetBackground(true)

	ccfg := cfg
	ccfg.Token = issue(t, client)
	c, err := New(ccfg)
	require.NoError(t, err)
	run(t, c)

	ctx := context.Background()
	room, err := c.StartChat(ctx, proto.StartChatPayload{PeerID: guide.UserID, Kind: chat.GuideRoom})
	require.NoError(t, err)
	_, err = c.SendMessage(ctx, chat.MessageInput{RoomID: room.ID, Text: "are you free tomorrow?"})
	require.NoError(t, err)

	select {
	case n := <-notes.C:
		assert.Equal(t, guide.UserID, n.UserID)
		assert.Equal(t, room.ID, n.RoomID)
	case <-time.After(3 * time.Second):
		t.Fatal("no notification")
	}

	cache, err := store.OpenSQLiteCache(file, nil)
	require.NoError(t, err)
	defer cache.Close()
	require.Eventually(t, func() bool {
		msgs, err := cache.Page(ctx, room.ID, nil, 10)
		return err == nil && len(msgs) == 1
	}, 3*time.Second, 20*time.Millisecond)
}
