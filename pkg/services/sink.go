package services

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Sink is the abstract delivery target for alert payloads. The registry and
// delivery service depend only on this interface, never on transport
// mechanics. A Send error marks the sink broken and gets it evicted; slow
// consumers must drop internally instead of returning errors or blocking.
type Sink interface {
	ID() string
	Send(message []byte) error
}

// QueueSink buffers messages for a polling consumer (SSE streams). The queue
// is bounded and Send never blocks: when the consumer cannot keep up the
// message is dropped, because one slow reader must not stall alert delivery
// for everyone else.
type QueueSink struct {
	id string
	ch chan []byte
}

// NewQueueSink creates a queue sink with the given buffer capacity.
func NewQueueSink(capacity int) *QueueSink {
	if capacity < 1 {
		capacity = 1
	}
	return &QueueSink{
		id: uuid.New().String(),
		ch: make(chan []byte, capacity),
	}
}

// ID returns the sink's unique handle identity.
func (s *QueueSink) ID() string {
	return s.id
}

// Send enqueues the message, dropping it when the queue is full.
func (s *QueueSink) Send(message []byte) error {
	select {
	case s.ch <- message:
	default:
		logrus.Debugf("Queue sink %s full, dropping message", s.id)
	}
	return nil
}

// Messages returns the consumer side of the queue.
func (s *QueueSink) Messages() <-chan []byte {
	return s.ch
}
