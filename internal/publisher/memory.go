package publisher

import (
	"context"
	"fmt"
	"sync"
)

// Message is one recorded publish call, captured by MemoryQueue for
// test assertions.
type Message struct {
	Queue      string
	SessionKey string
	Body       []byte
}

// MemoryQueue is an in-process Queue test double.
type MemoryQueue struct {
	mu       sync.Mutex
	messages []Message
	failNext int // number of subsequent Publish calls to fail
}

// NewMemoryQueue builds an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Publish implements Queue.
func (m *MemoryQueue) Publish(_ context.Context, queueName, sessionKey string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return errPublishFailed
	}

	m.messages = append(m.messages, Message{Queue: queueName, SessionKey: sessionKey, Body: body})
	return nil
}

// Messages returns every message published so far.
func (m *MemoryQueue) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// FailNext makes the next n Publish calls return an error, for
// exercising the retry and dead-letter paths.
func (m *MemoryQueue) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

var errPublishFailed = fmt.Errorf("publisher: simulated publish failure")
