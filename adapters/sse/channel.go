package sse

import (
	"sync"
)

// Channel 管理某個頻道的所有訂閱者，並將訊息廣播給它們。
// 訂閱者的通道有緩衝，收件匣已滿的訂閱者會漏掉該則訊息，不會拖慢其他訂閱者。
type Channel[T any] struct {
	subscribers map[<-chan T]chan T
	bufferSize  int
	mu          sync.RWMutex
}

func NewChannel[T any](bufferSize int) *Channel[T] {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Channel[T]{
		subscribers: make(map[<-chan T]chan T),
		bufferSize:  bufferSize,
	}
}

// Subscribe 建立新的訂閱並回傳唯讀通道
func (c *Channel[T]) Subscribe() <-chan T {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan T, c.bufferSize)
	c.subscribers[ch] = ch
	return ch
}

// Unsubscribe 移除訂閱並關閉通道
func (c *Channel[T]) Unsubscribe(ch <-chan T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if writeCh, exists := c.subscribers[ch]; exists {
		delete(c.subscribers, ch)
		close(writeCh)
	}
}

// UnsubscribeAll 關閉所有訂閱者的通道並清空訂閱清單。
func (c *Channel[T]) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, writeCh := range c.subscribers {
		close(writeCh)
	}
	clear(c.subscribers)
}

// Broadcast 將訊息送給所有訂閱者，回傳因收件匣已滿而略過的數量
func (c *Channel[T]) Broadcast(message T) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dropped := 0
	for _, writeCh := range c.subscribers {
		select {
		case writeCh <- message:
		default:
			dropped++
		}
	}
	return dropped
}

// IsIdle 判斷 subscribers 是否為空。
func (c *Channel[T]) IsIdle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers) == 0
}
