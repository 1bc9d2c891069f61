package sse_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"carsties/adapters/sse"
)

func TestChannel(t *testing.T) {
	ch := sse.NewChannel[Message](1)

	// 測試訂閱
	sub := ch.Subscribe()
	assert.NotNil(t, sub)
	assert.False(t, ch.IsIdle())

	// 測試廣播訊息
	msg := Message{Data: "test message"}
	assert.Equal(t, 0, ch.Broadcast(msg))
	assert.Equal(t, msg, <-sub)

	// 收件匣已滿時略過，不阻塞
	assert.Equal(t, 0, ch.Broadcast(Message{Data: "first"}))
	assert.Equal(t, 1, ch.Broadcast(Message{Data: "second"}))
	assert.Equal(t, "first", (<-sub).Data)

	// 測試取消訂閱
	ch.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok, "channel should be closed")

	// 測試 IsIdle
	assert.True(t, ch.IsIdle(), "channel should be idle")
}

func TestChannel_UnsubscribeAll(t *testing.T) {
	ch := sse.NewChannel[Message](0)
	a := ch.Subscribe()
	b := ch.Subscribe()

	ch.UnsubscribeAll()

	_, ok := <-a
	assert.False(t, ok)
	_, ok = <-b
	assert.False(t, ok)
	assert.True(t, ch.IsIdle())
	// 已關閉的訂閱再取消不會 panic
	ch.Unsubscribe(a)
}
