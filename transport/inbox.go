package transport

import (
	"context"
	"sync"
)

const inboxSize = 1024

// inbox holds one buffered channel per topic
type inbox struct {
	mu     sync.Mutex
	topics map[Topic]chan Envelope
	done   chan struct{}
	once   sync.Once
}

func newInbox() *inbox {
	return &inbox{
		topics: make(map[Topic]chan Envelope),
		done:   make(chan struct{}),
	}
}

func (i *inbox) channel(t Topic) chan Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()

	ch, ok := i.topics[t]
	if !ok {
		ch = make(chan Envelope, inboxSize)
		i.topics[t] = ch
	}
	return ch
}

// deliver blocks while the topic buffer is full
func (i *inbox) deliver(ctx context.Context, e Envelope) error {
	select {
	case <-i.done:
		return ErrClosed
	default:
	}

	select {
	case i.channel(e.Topic) <- e:
		return nil
	case <-i.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *inbox) close() {
	i.once.Do(func() { close(i.done) })
}

func (i *inbox) closed() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}
