// Package queue carries wake signals from the hook API to clip workers.
// Notifications are advisory: the datastore claim is the only authority on
// job ownership, so a lost or duplicated wake is harmless.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Wake announces that a clip job was enqueued.
type Wake struct {
	JobID      string    `json:"jobId"`
	SessionID  string    `json:"sessionId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Notifier fans wake signals out to subscribed workers.
type Notifier interface {
	Publish(ctx context.Context, wake Wake) error
	Subscribe() Subscription
	Close() error
}

// Subscription is an active wake stream.
type Subscription interface {
	Wakes() <-chan Wake
	Close()
}

// NewMemoryNotifier initialises an in-process fan-out notifier suitable for
// single-binary deployments and tests.
func NewMemoryNotifier(buffer int) Notifier {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryNotifier{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryNotifier struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
	closed bool
}

func (n *memoryNotifier) Publish(ctx context.Context, wake Wake) error {
	if wake.JobID == "" {
		return errors.New("wake jobId is required")
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return errors.New("notifier closed")
	}
	for sub := range n.subs {
		select {
		case sub.ch <- wake:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking. Workers poll on a timer as
			// well, so a missed wake only delays the claim.
		}
	}
	return nil
}

func (n *memoryNotifier) Subscribe() Subscription {
	sub := &memorySubscription{
		notifier: n,
		ch:       make(chan Wake, n.buffer),
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	n.subs[sub] = struct{}{}
	n.mu.Unlock()
	return sub
}

func (n *memoryNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := make([]*memorySubscription, 0, len(n.subs))
	for sub := range n.subs {
		subs = append(subs, sub)
	}
	n.subs = make(map[*memorySubscription]struct{})
	n.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

type memorySubscription struct {
	once     sync.Once
	notifier *memoryNotifier
	ch       chan Wake
}

func (s *memorySubscription) Wakes() <-chan Wake {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.notifier.mu.Lock()
		delete(s.notifier.subs, s)
		s.notifier.mu.Unlock()
		close(s.ch)
	})
}
