package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pvandervelde/queue-keeper/pkg/types"
)

// deadLetterRecord is the JSON shape pushed onto the Redis list, kept
// deliberately close to the envelope shape so an operator's tooling
// can resubmit it by reading Envelope back out directly.
type deadLetterRecord struct {
	Queue    string          `json:"queue"`
	Envelope *types.Envelope `json:"envelope"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failed_at"`
}

// MemoryDeadLetterStore keeps dead-lettered envelopes in process, for
// tests and single-instance deployments without a shared Redis. Records
// are only as durable as the process, which is still enough to satisfy
// the capture-before-2xx contract in local development.
type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	records []deadLetterRecord
}

// NewMemoryDeadLetterStore builds an empty MemoryDeadLetterStore.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

// Put implements DeadLetterStore.
func (s *MemoryDeadLetterStore) Put(_ context.Context, queueName string, env *types.Envelope, lastErr error) error {
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, deadLetterRecord{Queue: queueName, Envelope: env, Error: errMsg, FailedAt: time.Now()})
	return nil
}

// Queues returns the queue name of every record captured so far, in
// capture order.
func (s *MemoryDeadLetterStore) Queues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.Queue
	}
	return out
}

// RedisDeadLetterStore pushes failed publishes onto a per-queue Redis
// list, named "dead_letter:{queue}".
type RedisDeadLetterStore struct {
	client *redis.Client
}

// NewRedisDeadLetterStore builds a RedisDeadLetterStore over an
// existing client.
func NewRedisDeadLetterStore(client *redis.Client) *RedisDeadLetterStore {
	return &RedisDeadLetterStore{client: client}
}

// Put implements DeadLetterStore.
func (s *RedisDeadLetterStore) Put(ctx context.Context, queueName string, env *types.Envelope, lastErr error) error {
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	record := deadLetterRecord{Queue: queueName, Envelope: env, Error: errMsg, FailedAt: time.Now()}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("publisher: marshal dead-letter record: %w", err)
	}

	key := "dead_letter:" + queueName
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("publisher: redis rpush %s: %w", key, err)
	}
	return nil
}
