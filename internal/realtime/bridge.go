/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/Seednode/wikirace/internal/session"
)

// SignalKind identifies a local session signal.
type SignalKind int

const (
	// SignalActivated is delivered once, when the race starts.
	SignalActivated SignalKind = iota
	// SignalRoster is delivered when new participants join.
	SignalRoster
	// SignalFinished is delivered once per participant reaching the target.
	SignalFinished
	// SignalEnded is delivered once, when every participant has finished.
	SignalEnded
)

func (k SignalKind) String() string {
	switch k {
	case SignalActivated:
		return "activated"
	case SignalRoster:
		return "roster"
	case SignalFinished:
		return "finished"
	case SignalEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Signal is what a Bridge forwards to its listeners. ParticipantID is set
// for SignalFinished.
type Signal struct {
	Kind          SignalKind
	SessionID     string
	ParticipantID string
}

// Source reads the stored state of a session.
type Source interface {
	Session(ctx context.Context, id string) (session.Session, error)
	Participants(ctx context.Context, sessionID string) ([]session.Participant, error)
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	// PollInterval is how often the stored state is polled while the
	// channel cannot be subscribed to.
	PollInterval time.Duration
	Logf         func(format string, args ...any)
}

// Bridge turns the change notifications of one session into Signals.
// Every transition is forwarded at most once however many times, and in
// whatever order, the underlying notifications arrive.
type Bridge struct {
	channel   Channel
	source    Source
	sessionID string
	poll      time.Duration
	logf      func(format string, args ...any)

	mu        sync.Mutex
	listeners map[int]func(Signal)
	nextID    int

	// Owned by the Run goroutine.
	activated bool
	ended     bool
	joined    map[string]bool
	finished  map[string]bool
}

// NewBridge returns a Bridge for sessionID.
func NewBridge(channel Channel, source Source, sessionID string, opts BridgeOptions) *Bridge {
	b := &Bridge{
		channel:   channel,
		source:    source,
		sessionID: sessionID,
		poll:      opts.PollInterval,
		logf:      opts.Logf,
		listeners: make(map[int]func(Signal)),
		joined:    make(map[string]bool),
		finished:  make(map[string]bool),
	}
	if b.poll <= 0 {
		b.poll = 2 * time.Second
	}
	if b.logf == nil {
		b.logf = func(string, ...any) {}
	}
	return b
}

// Listen registers fn for every forwarded Signal and returns a function
// that unregisters it. fn is called from the Run goroutine.
func (b *Bridge) Listen(fn func(Signal)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.listeners, id)
	}
}

func (b *Bridge) emit(kind SignalKind, participantID string) {
	sig := Signal{Kind: kind, SessionID: b.sessionID, ParticipantID: participantID}

	b.mu.Lock()
	fns := make([]func(Signal), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(sig)
	}
}

// Run forwards signals until ctx is done. A lost subscription is replaced
// immediately; while no subscription can be made the stored state is
// polled instead.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		stream, err := b.channel.Subscribe(ctx, b.sessionID)
		if err != nil {
			b.logf("ERROR: Subscribing to session %s: %v", b.sessionID, err)

			if !b.pollOnce(ctx) {
				return ctx.Err()
			}
			continue
		}

		// Subscribe first so nothing written after the resync is missed.
		b.resync(ctx)

		b.consume(ctx, stream)
		stream.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.logf("RACE: Resubscribing to session %s", b.sessionID)
	}
}

// pollOnce waits one poll interval and then resynchronizes. It reports
// false if ctx ended first.
func (b *Bridge) pollOnce(ctx context.Context) bool {
	timer := time.NewTimer(b.poll)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	b.resync(ctx)

	return true
}

func (b *Bridge) consume(ctx context.Context, stream Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-stream.Updates():
			if !ok {
				return
			}
			b.apply(n)
		}
	}
}

func (b *Bridge) apply(n Notification) {
	if n.SessionID != b.sessionID {
		return
	}

	switch n.Field {
	case session.FieldPhase:
		switch session.Phase(n.NewValue) {
		case session.PhaseActive:
			b.activate()
		case session.PhaseFinished:
			b.activate()
			b.end()
		}
	case session.FieldParticipants:
		if n.NewValue != "" && !b.joined[n.NewValue] {
			b.joined[n.NewValue] = true
			b.emit(SignalRoster, "")
		}
	case session.FieldFinished:
		b.finish(n.NewValue)
	}
}

func (b *Bridge) activate() {
	if b.activated {
		return
	}
	b.activated = true
	b.emit(SignalActivated, "")
}

func (b *Bridge) end() {
	if b.ended {
		return
	}
	b.ended = true
	b.emit(SignalEnded, "")
}

func (b *Bridge) finish(participantID string) {
	if participantID == "" || b.finished[participantID] {
		return
	}
	b.finished[participantID] = true
	b.emit(SignalFinished, participantID)
}

// resync applies whatever the stored state shows that has not been
// forwarded yet.
func (b *Bridge) resync(ctx context.Context) {
	s, err := b.source.Session(ctx, b.sessionID)
	if err != nil {
		b.logf("ERROR: Resyncing session %s: %v", b.sessionID, err)
		return
	}

	if s.Phase.Started() {
		b.activate()
	}

	participants, err := b.source.Participants(ctx, b.sessionID)
	if err != nil {
		b.logf("ERROR: Resyncing participants of %s: %v", b.sessionID, err)
		return
	}

	grew := false
	for _, p := range participants {
		if !b.joined[p.ID] {
			b.joined[p.ID] = true
			grew = true
		}
	}
	if grew {
		b.emit(SignalRoster, "")
	}

	for _, p := range participants {
		if p.Finished() {
			b.finish(p.ID)
		}
	}

	if s.Phase == session.PhaseFinished {
		b.end()
	}
}
