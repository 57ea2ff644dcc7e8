/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Seednode/wikirace/internal/canonical"
	"github.com/Seednode/wikirace/internal/errclass"
	"github.com/Seednode/wikirace/internal/linkresolve"
)

const (
	lobbyRetries  = 3
	pickRetries   = 3
	maxNameLength = 32
)

// Options configures a Machine. Every field is optional.
type Options struct {
	Notifier  Notifier
	Documents DocumentSource
	Now       func() time.Time
	NewID     func() string
	Logf      func(format string, args ...any)
}

// Machine owns phase transitions and participant completion bookkeeping.
// It holds no per-session state of its own; the Store is the source of truth.
type Machine struct {
	store    Store
	notifier Notifier
	docs     DocumentSource
	now      func() time.Time
	newID    func() string
	logf     func(format string, args ...any)
}

// New returns a Machine backed by store.
func New(store Store, opts Options) *Machine {
	m := &Machine{
		store:    store,
		notifier: opts.Notifier,
		docs:     opts.Documents,
		now:      opts.Now,
		newID:    opts.NewID,
		logf:     opts.Logf,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = func() string { return uuid.NewString() }
	}
	if m.logf == nil {
		m.logf = func(string, ...any) {}
	}
	return m
}

func (m *Machine) notify(ctx context.Context, sessionID, field, value string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, sessionID, field, value)
}

// NewSession creates a waiting session hosted by hostID.
func (m *Machine) NewSession(ctx context.Context, hostID string) (Session, error) {
	s := Session{
		ID:        m.newID(),
		HostID:    hostID,
		Phase:     PhaseWaiting,
		CreatedAt: m.now().UTC(),
	}

	if err := m.store.CreateSession(ctx, s); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}

	m.logf("GAMES: Created session %s", s.ID)

	return s, nil
}

// JoinWaitingRoom adds playerID to the shared lobby session, creating the
// lobby (hosted by playerID) if none is waiting.
func (m *Machine) JoinWaitingRoom(ctx context.Context, playerID, name string) (Session, Participant, error) {
	var lastErr error

	for range lobbyRetries {
		candidate := Session{
			ID:        m.newID(),
			HostID:    playerID,
			Lobby:     true,
			Phase:     PhaseWaiting,
			CreatedAt: m.now().UTC(),
		}

		s, err := m.store.FindOrCreateLobby(ctx, candidate)
		if err != nil {
			return Session{}, Participant{}, fmt.Errorf("find lobby: %w", err)
		}

		p, err := m.Join(ctx, s.ID, playerID, name)
		if errors.Is(err, errclass.ErrNotWaiting) {
			// The lobby started between lookup and join; the next lookup
			// finds or creates a fresh one.
			lastErr = err
			continue
		}
		if err != nil {
			return Session{}, Participant{}, err
		}

		return s, p, nil
	}

	return Session{}, Participant{}, lastErr
}

// Join adds playerID to a waiting session. Joining again returns the
// existing participant, whatever the phase.
func (m *Machine) Join(ctx context.Context, sessionID, playerID, name string) (Participant, error) {
	if strings.TrimSpace(playerID) == "" {
		return Participant{}, fmt.Errorf("participant id is required")
	}

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Participant{}, err
	}

	existing, err := m.store.GetParticipant(ctx, sessionID, playerID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, errclass.ErrParticipantNotFound):
		return Participant{}, err
	}

	if s.Phase != PhaseWaiting {
		return Participant{}, errclass.ErrNotWaiting.WithMessagef("session %s is %s", sessionID, s.Phase)
	}

	p, err := m.store.AddParticipant(ctx, Participant{
		ID:        playerID,
		SessionID: sessionID,
		Name:      cleanName(name),
		JoinedAt:  m.now().UTC(),
	})
	if err != nil {
		return Participant{}, fmt.Errorf("add participant: %w", err)
	}

	m.logf("GAMES: Player %q joined %s", p.Name, sessionID)
	m.notify(ctx, sessionID, FieldParticipants, p.ID)

	return p, nil
}

func cleanName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "Joueur"
	}
	if r := []rune(name); len(r) > maxNameLength {
		name = string(r[:maxNameLength])
	}
	return name
}

// StartOptions names the documents to race between. Each is tried as an
// exact title, then as a search keyword; empty means a random document.
type StartOptions struct {
	Start  string
	Target string
}

// Start moves a waiting session to active. Only the host may start a hosted
// session. Starting a session that already started is a no-op that returns
// its current state.
func (m *Machine) Start(ctx context.Context, sessionID, callerID string, opts StartOptions) (Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	if s.Phase.Started() {
		m.logf("GAMES: Ignoring duplicate start of %s", sessionID)
		return s, nil
	}

	if s.HostID != "" && callerID != s.HostID {
		return Session{}, errclass.ErrNotHost.WithMessagef("session %s", sessionID)
	}

	start, target, err := m.pickDocuments(ctx, opts)
	if err != nil {
		return Session{}, err
	}

	ok, err := m.store.ActivateSession(ctx, sessionID, start, target, m.now().UTC())
	if err != nil {
		return Session{}, fmt.Errorf("activate session: %w", err)
	}

	if ok {
		m.logf("GAMES: Started %s: %q -> %q", sessionID, start.Title, target.Title)
		m.notify(ctx, sessionID, FieldPhase, string(PhaseActive))
	} else {
		m.logf("GAMES: Ignoring duplicate start of %s", sessionID)
	}

	return m.store.GetSession(ctx, sessionID)
}

func (m *Machine) pickDocuments(ctx context.Context, opts StartOptions) (start, target canonical.Document, err error) {
	start, err = m.pickDocument(ctx, opts.Start)
	if err != nil {
		return start, target, fmt.Errorf("pick start document: %w", err)
	}

	for range pickRetries {
		target, err = m.pickDocument(ctx, opts.Target)
		if err != nil {
			return start, target, fmt.Errorf("pick target document: %w", err)
		}
		if target.ID != start.ID {
			return start, target, nil
		}
		if strings.TrimSpace(opts.Target) != "" {
			break
		}
	}

	return start, target, errclass.ErrSameDocument.WithMessagef("start and target are both %q", start.Title)
}

func (m *Machine) pickDocument(ctx context.Context, query string) (canonical.Document, error) {
	query = strings.TrimSpace(query)

	if m.docs == nil {
		if query == "" {
			return canonical.Document{}, errclass.ErrContentUnavailable.WithMessage("no document source for a random document")
		}
		return canonical.NewDocument(query)
	}

	if query == "" {
		return m.docs.FetchRandomDocument(ctx)
	}

	doc, err := m.docs.FetchDocumentByExactTitle(ctx, query)
	if errors.Is(err, errclass.ErrDocumentNotFound) {
		return m.docs.SearchDocumentByKeyword(ctx, query)
	}

	return doc, err
}

// Navigate records that participantID arrived at the document named by ev
// and checks the win condition.
func (m *Machine) Navigate(ctx context.Context, sessionID, participantID string, ev linkresolve.NavigationEvent) (Participant, error) {
	p, err := m.store.GetParticipant(ctx, sessionID, participantID)
	if err != nil {
		return Participant{}, err
	}

	id, err := canonical.Canonicalize(ev.ResolvedTitle)
	if err != nil {
		m.logf("RACE: Ignoring navigation %q for %s: %v", ev.RawReference, participantID, err)
		return p, nil
	}

	if p.Finished() {
		return m.move(ctx, p, id)
	}

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Participant{}, err
	}

	if s.Target.IsZero() {
		m.logf("RACE: %v: session %s, skipping win check for %s", errclass.ErrMissingTarget, sessionID, participantID)
		return m.move(ctx, p, id)
	}

	if id != s.Target.ID {
		return m.move(ctx, p, id)
	}

	now := m.now().UTC()
	f := Finish{Document: id, FinishedAt: now}
	if s.StartedAt != nil {
		elapsed := int64(now.Sub(*s.StartedAt) / time.Second)
		if elapsed < 0 {
			elapsed = 0
		}
		f.ElapsedSeconds = &elapsed
	}

	ok, err := m.store.FinishParticipant(ctx, sessionID, participantID, f)
	if err != nil {
		return Participant{}, fmt.Errorf("finish participant: %w", err)
	}
	if !ok {
		m.logf("RACE: %v: %s already finished", errclass.ErrDuplicateTransition, participantID)
		return m.move(ctx, p, id)
	}

	m.logf("RACE: %q reached %q in %s", p.Name, s.Target.Title, sessionID)
	m.notify(ctx, sessionID, FieldFinished, participantID)

	if err := m.finishSessionIfDone(ctx, s); err != nil {
		m.logf("RACE: Could not close %s: %v", sessionID, err)
	}

	return m.store.GetParticipant(ctx, sessionID, participantID)
}

func (m *Machine) move(ctx context.Context, p Participant, id canonical.ID) (Participant, error) {
	if err := m.store.SetCurrentDocument(ctx, p.SessionID, p.ID, id); err != nil {
		return Participant{}, fmt.Errorf("set current document: %w", err)
	}
	p.CurrentDocument = id
	return p, nil
}

func (m *Machine) finishSessionIfDone(ctx context.Context, s Session) error {
	if s.Phase != PhaseActive {
		return nil
	}

	ps, err := m.store.ListParticipants(ctx, s.ID)
	if err != nil {
		return err
	}
	for _, p := range ps {
		if !p.Finished() {
			return nil
		}
	}

	ok, err := m.store.FinishSession(ctx, s.ID)
	if err != nil {
		return err
	}
	if ok {
		m.logf("GAMES: Every player finished %s", s.ID)
		m.notify(ctx, s.ID, FieldPhase, string(PhaseFinished))
	}
	return nil
}

// Session returns the session with the given ID.
func (m *Machine) Session(ctx context.Context, id string) (Session, error) {
	return m.store.GetSession(ctx, id)
}

// Participants returns every participant of a session, in join order.
func (m *Machine) Participants(ctx context.Context, sessionID string) ([]Participant, error) {
	return m.store.ListParticipants(ctx, sessionID)
}

// Standing is one row of a session ranking.
type Standing struct {
	// Position is 1-based for finished participants and 0 otherwise.
	Position       int    `json:"position,omitempty"`
	ParticipantID  string `json:"-"`
	Name           string `json:"name"`
	Finished       bool   `json:"finished"`
	ElapsedSeconds *int64 `json:"elapsed_seconds,omitempty"`
}

// Ranking orders finished participants by elapsed time, unfinished last.
func (m *Machine) Ranking(ctx context.Context, sessionID string) ([]Standing, error) {
	ps, err := m.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Finished() != b.Finished() {
			return a.Finished()
		}
		if !a.Finished() {
			return false
		}
		if (a.ElapsedSeconds == nil) != (b.ElapsedSeconds == nil) {
			return a.ElapsedSeconds != nil
		}
		if a.ElapsedSeconds != nil && *a.ElapsedSeconds != *b.ElapsedSeconds {
			return *a.ElapsedSeconds < *b.ElapsedSeconds
		}
		return a.FinishedAt.Before(*b.FinishedAt)
	})

	out := make([]Standing, 0, len(ps))
	for i, p := range ps {
		st := Standing{
			ParticipantID:  p.ID,
			Name:           p.Name,
			Finished:       p.Finished(),
			ElapsedSeconds: p.ElapsedSeconds,
		}
		if p.Finished() {
			st.Position = i + 1
		}
		out = append(out, st)
	}

	return out, nil
}
