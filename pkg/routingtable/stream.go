package routingtable

import (
	"sync"

	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

// QueueStream is an in-process Stream backed by a buffered channel.
// Services hosted inside the broker and tests use it to receive commands.
type QueueStream struct {
	id     string
	mu     sync.RWMutex
	queue  chan *command.Command
	closed bool
}

// NewQueueStream creates a stream whose outbound queue holds up to size commands.
func NewQueueStream(id string, size int) *QueueStream {
	if size <= 0 {
		size = 1
	}
	return &QueueStream{
		id:    id,
		queue: make(chan *command.Command, size),
	}
}

// ID returns the stream identifier
func (s *QueueStream) ID() string {
	return s.id
}

// Enqueue adds cmd to the queue, dropping it when the queue is full.
func (s *QueueStream) Enqueue(cmd *command.Command) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	select {
	case s.queue <- cmd:
		return true
	default:
		return false
	}
}

// Queue returns the channel commands are delivered on.
// It is closed by Close.
func (s *QueueStream) Queue() <-chan *command.Command {
	return s.queue
}

// Close stops delivery and closes the queue. Safe to call multiple times.
func (s *QueueStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// Verify that QueueStream implements Stream at compile time
var _ Stream = (*QueueStream)(nil)
