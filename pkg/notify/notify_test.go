package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestChanNotifier(t *testing.T) {
	n := NewChanNotifier(1)
	require.NoError(t, n.Notify(context.Background(), Notification{MessageID: "m1"}))
	require.Error(t, n.Notify(context.Background(), Notification{MessageID: "m2"}))
	assert.Equal(t, "m1", (<-n.C).MessageID)
}

func TestNATSNotifier(t *testing.T) {
	ns := runNATS(t)

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("tripchat.notify.u1", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	n, err := NewNATSNotifier(ns.ClientURL(), "tripchat.notify")
	require.NoError(t, err)
	defer n.Close()

	note := Notification{UserID: "u1", RoomID: "r1", MessageID: "m1", SenderID: "u2", Preview: "hello", At: time.Now().UTC().Truncate(time.Millisecond)}
	require.NoError(t, n.Notify(context.Background(), note))

	select {
	case m := <-msgs:
		var got Notification
		require.NoError(t, json.Unmarshal(m.Data, &got))
		assert.Equal(t, note.MessageID, got.MessageID)
		assert.Equal(t, note.Preview, got.Preview)
		assert.True(t, note.At.Equal(got.At))
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, n.Notify(ctx, note))
}
