/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package realtime carries session change notifications to every client of
// a session.
package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Notification is one change to a session record.
type Notification struct {
	SessionID string `json:"session_id"`
	Field     string `json:"field"`
	NewValue  string `json:"new_value"`
	Seq       uint64 `json:"seq"`
}

// Stream is a live subscription. Updates is closed when the subscription is
// lost or closed.
type Stream interface {
	Updates() <-chan Notification
	Close()
}

// Channel delivers change notifications for one session at a time.
type Channel interface {
	Subscribe(ctx context.Context, sessionID string) (Stream, error)
}

// ErrClosed is returned by Subscribe after the Broker is closed.
var ErrClosed = errors.New("realtime: broker closed")

const subscriberBuffer = 32

// Broker is an in-process Channel. Subscribers that fall behind are
// dropped, which they observe as a lost connection.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	seq    atomic.Uint64
	closed bool
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscription]struct{})}
}

type subscription struct {
	b         *Broker
	sessionID string
	ch        chan Notification
	quit      chan struct{}
	once      sync.Once
}

func (s *subscription) Updates() <-chan Notification {
	return s.ch
}

func (s *subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	s.b.dropLocked(s)
}

// Subscribe starts a Stream of notifications for sessionID. The stream
// also ends when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := &subscription{
		b:         b,
		sessionID: sessionID,
		ch:        make(chan Notification, subscriberBuffer),
		quit:      make(chan struct{}),
	}

	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[sessionID] = set
	}
	set[s] = struct{}{}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.quit:
			}
		}()
	}

	return s, nil
}

func (b *Broker) dropLocked(s *subscription) {
	if set, ok := b.subs[s.sessionID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.sessionID)
		}
	}
	s.once.Do(func() {
		close(s.quit)
		close(s.ch)
	})
}

// Notify publishes a change to every subscriber of sessionID.
func (b *Broker) Notify(_ context.Context, sessionID, field, newValue string) {
	b.Publish(Notification{SessionID: sessionID, Field: field, NewValue: newValue})
}

// Publish stamps n with the next sequence number and fans it out.
func (b *Broker) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n.Seq = b.seq.Add(1)

	for s := range b.subs[n.SessionID] {
		select {
		case s.ch <- n:
		default:
			b.dropLocked(s)
		}
	}
}

// Disconnect drops every subscriber of sessionID.
func (b *Broker) Disconnect(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs[sessionID] {
		b.dropLocked(s)
	}
}

// Close drops every subscriber and refuses new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			b.dropLocked(s)
		}
	}
}
