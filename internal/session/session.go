/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package session coordinates the players of one race through its phases
// and decides when each of them has reached the target document.
package session

import (
	"context"
	"time"

	"github.com/Seednode/wikirace/internal/canonical"
)

// Phase is the lifecycle phase of a Session.
type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhaseActive   Phase = "active"
	PhaseFinished Phase = "finished"
)

// Started reports whether the race clock is running or has run.
func (p Phase) Started() bool {
	return p == PhaseActive || p == PhaseFinished
}

// Session is one race.
type Session struct {
	ID        string             `json:"id"`
	HostID    string             `json:"host_id,omitempty"`
	Lobby     bool               `json:"lobby"`
	Start     canonical.Document `json:"start"`
	Target    canonical.Document `json:"target"`
	Phase     Phase              `json:"phase"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Participant is one player's progress within a Session.
type Participant struct {
	ID              string       `json:"id"`
	SessionID       string       `json:"session_id"`
	Name            string       `json:"name"`
	CurrentDocument canonical.ID `json:"current_document,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	ElapsedSeconds  *int64       `json:"elapsed_seconds,omitempty"`
	JoinedAt        time.Time    `json:"joined_at"`
}

// Finished reports whether the participant has reached the target.
func (p Participant) Finished() bool {
	return p.FinishedAt != nil
}

// Finish is the single atomic update recorded when a participant reaches
// the target. ElapsedSeconds is nil when the session never started.
type Finish struct {
	Document       canonical.ID
	FinishedAt     time.Time
	ElapsedSeconds *int64
}

// Store persists sessions and participants. Implementations must apply
// ActivateSession and FinishParticipant conditionally so that concurrent
// callers observe at most one effective transition.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	// FindOrCreateLobby returns the waiting lobby session, inserting
	// candidate if there is none.
	FindOrCreateLobby(ctx context.Context, candidate Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	// ActivateSession moves a waiting session to active. It reports false,
	// without error, if the session was not waiting.
	ActivateSession(ctx context.Context, id string, start, target canonical.Document, startedAt time.Time) (bool, error)
	// FinishSession moves an active session to finished.
	FinishSession(ctx context.Context, id string) (bool, error)

	// AddParticipant inserts p unless a participant with the same ID already
	// exists in the session, and returns the stored participant.
	AddParticipant(ctx context.Context, p Participant) (Participant, error)
	GetParticipant(ctx context.Context, sessionID, id string) (Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]Participant, error)
	SetCurrentDocument(ctx context.Context, sessionID, id string, doc canonical.ID) error
	// FinishParticipant records f unless the participant already finished.
	FinishParticipant(ctx context.Context, sessionID, id string, f Finish) (bool, error)
}

// Change fields published to the Notifier.
const (
	FieldPhase        = "phase"
	FieldParticipants = "participants"
	FieldFinished     = "finished"
)

// Notifier receives change notifications after successful writes.
type Notifier interface {
	Notify(ctx context.Context, sessionID, field, newValue string)
}

// DocumentSource looks up documents to race between.
type DocumentSource interface {
	FetchRandomDocument(ctx context.Context) (canonical.Document, error)
	SearchDocumentByKeyword(ctx context.Context, keyword string) (canonical.Document, error)
	FetchDocumentByExactTitle(ctx context.Context, title string) (canonical.Document, error)
}
