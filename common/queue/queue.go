package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/talknote/ingest/common/logger"
)

var (
	// ErrQueueFull is returned when a topic buffer has no free slot
	ErrQueueFull = errors.New("queue full")
	// ErrQueueClosed is returned when publishing after Close
	ErrQueueClosed = errors.New("queue closed")
)

// Queue interface for message passing
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, key string, value []byte) error

// Message represents a queue message
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// MemoryQueue is an in-process queue. Each subscription runs a fixed pool
// of workers over a bounded buffer.
type MemoryQueue struct {
	topics     map[string]chan *Message
	mu         sync.Mutex
	log        *logger.Logger
	bufferSize int
	workers    int
	closed     bool
	wg         sync.WaitGroup
}

// MemoryOption configures a MemoryQueue
type MemoryOption func(*MemoryQueue)

// WithBufferSize sets the per-topic buffer
func WithBufferSize(n int) MemoryOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.bufferSize = n
		}
	}
}

// WithWorkers sets the number of goroutines per subscription
func WithWorkers(n int) MemoryOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log *logger.Logger, opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		topics:     make(map[string]chan *Message),
		log:        log,
		bufferSize: 1000,
		workers:    1,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) topicLocked(topic string) chan *Message {
	ch, exists := q.topics[topic]
	if !exists {
		ch = make(chan *Message, q.bufferSize)
		q.topics[topic] = ch
	}
	return ch
}

// Publish publishes a message to a topic without blocking
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	ch := q.topicLocked(topic)

	msg := &Message{
		Topic: topic,
		Key:   key,
		Value: message,
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.log.Warn("queue full", "topic", topic, "key", key)
		return fmt.Errorf("%w: topic %s", ErrQueueFull, topic)
	}
}

// Subscribe starts the worker pool for topic
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	ch := q.topicLocked(topic)
	q.mu.Unlock()

	q.log.Info("subscribing to topic", "topic", topic, "workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					q.handle(ctx, handler, msg)
				}
			}
		}()
	}

	return nil
}

func (q *MemoryQueue) handle(ctx context.Context, handler MessageHandler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("message handler panic", "topic", msg.Topic, "key", msg.Key, "panic", r)
		}
	}()
	if err := handler(ctx, msg.Key, msg.Value); err != nil {
		q.log.Error("message handler error", "topic", msg.Topic, "key", msg.Key, "error", err)
	}
}

// Pending reports how many messages are buffered for topic
func (q *MemoryQueue) Pending(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.topics[topic])
}

// Close stops accepting messages and waits for workers to drain the buffers
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for topic, ch := range q.topics {
		close(ch)
		q.log.Info("closed topic", "topic", topic)
	}
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
