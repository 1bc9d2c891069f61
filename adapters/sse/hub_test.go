package sse_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"carsties/adapters/sse"
)

func setupMiniredis(t *testing.T) (*redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive message in time")
	}
	return Message{}
}

func TestHub_FanOutAcrossNodes(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, cleanup := setupMiniredis(t)
	defer cleanup()
	ctx := context.Background()

	// 先寫入的舊訊息不會被廣播
	old, err := sse.NewHub[Message](client, "live")
	require.NoError(t, err)
	require.NoError(t, old.Start())
	require.NoError(t, old.Publish(ctx, "a1", Message{Data: "before"}))
	require.NoError(t, old.Close())

	nodeA, err := sse.NewHub[Message](client, "live", sse.WithHubBlockTimeout(50*time.Millisecond))
	require.NoError(t, err)
	nodeB, err := sse.NewHub[Message](client, "live", sse.WithHubBlockTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, nodeA.Start())
	require.NoError(t, nodeB.Start())

	subA, err := nodeA.Subscribe("a1")
	require.NoError(t, err)
	subB, err := nodeB.Subscribe("a1")
	require.NoError(t, err)
	other, err := nodeB.Subscribe("a2")
	require.NoError(t, err)

	require.NoError(t, nodeA.Publish(ctx, "a1", Message{Data: "bid 100"}))

	assert.Equal(t, "bid 100", receive(t, subA).Data)
	assert.Equal(t, "bid 100", receive(t, subB).Data)
	select {
	case msg := <-other:
		t.Fatalf("unexpected message on other channel: %v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	nodeB.Unsubscribe("a1", subB)
	_, ok := <-subB
	assert.False(t, ok)

	require.NoError(t, nodeA.Close())
	require.NoError(t, nodeB.Close())
	_, ok = <-subA
	assert.False(t, ok, "close should release subscribers")
	_, ok = <-other
	assert.False(t, ok)
}

func TestHub_Closed(t *testing.T) {
	client, cleanup := setupMiniredis(t)
	defer cleanup()
	hub, err := sse.NewHub[Message](client, "live")
	require.NoError(t, err)

	_, err = hub.Subscribe("a1")
	assert.ErrorIs(t, err, sse.ErrHubClosed)
	assert.ErrorIs(t, hub.Publish(context.Background(), "a1", Message{}), sse.ErrHubClosed)
	assert.NoError(t, hub.Close())
}

func TestHub_StartFailsWhenRedisUnavailable(t *testing.T) {
	client, mock := redismock.NewClientMock()
	defer client.Close()
	mock.ExpectXRevRangeN("live", "+", "-", 1).SetErr(assert.AnError)

	hub, err := sse.NewHub[Message](client, "live")
	require.NoError(t, err)
	assert.ErrorIs(t, hub.Start(), assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewHub(t *testing.T) {
	_, err := sse.NewHub[Message](nil, "live")
	assert.Error(t, err)
	_, err = sse.NewHub[Message](redis.NewClient(&redis.Options{}), "")
	assert.Error(t, err)
}
