/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package sqlite persists sessions, participants and cached document markup
// in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Seednode/wikirace/internal/canonical"
	"github.com/Seednode/wikirace/internal/errclass"
	"github.com/Seednode/wikirace/internal/session"
	"github.com/Seednode/wikirace/internal/wiki"
)

const lobbyAttempts = 3

// Store implements session.Store and wiki.Cache.
type Store struct {
	db *sql.DB
}

var (
	_ session.Store = (*Store)(nil)
	_ wiki.Cache    = (*Store)(nil)
)

// Open opens and migrates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sessionColumns = `id, host_id, lobby, phase, start_id, start_title, target_id, target_title, started_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (session.Session, error) {
	var (
		s         session.Session
		lobby     int64
		phase     string
		startID   string
		targetID  string
		startedAt sql.NullInt64
		createdAt int64
	)

	if err := row.Scan(
		&s.ID,
		&s.HostID,
		&lobby,
		&phase,
		&startID,
		&s.Start.Title,
		&targetID,
		&s.Target.Title,
		&startedAt,
		&createdAt,
	); err != nil {
		return session.Session{}, err
	}

	s.Lobby = lobby != 0
	s.Phase = session.Phase(phase)
	s.Start.ID = canonical.ID(startID)
	s.Target.ID = canonical.ID(targetID)
	s.StartedAt = nullMillisToTime(startedAt)
	s.CreatedAt = millisToTime(createdAt)

	return s, nil
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.HostID,
		boolToInt(sess.Lobby),
		string(sess.Phase),
		string(sess.Start.ID),
		sess.Start.Title,
		string(sess.Target.ID),
		sess.Target.Title,
		timeToNullMillis(sess.StartedAt),
		timeToMillis(sess.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// FindOrCreateLobby returns the waiting lobby, inserting candidate when none
// exists. The partial unique index makes concurrent inserts collapse to one.
func (s *Store) FindOrCreateLobby(ctx context.Context, candidate session.Session) (session.Session, error) {
	candidate.Lobby = true
	candidate.Phase = session.PhaseWaiting

	for range lobbyAttempts {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO sessions (`+sessionColumns+`) VALUES (?, ?, 1, ?, '', '', '', '', NULL, ?)`,
			candidate.ID,
			candidate.HostID,
			string(session.PhaseWaiting),
			timeToMillis(candidate.CreatedAt),
		); err != nil {
			return session.Session{}, fmt.Errorf("insert lobby: %w", err)
		}

		row := s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE lobby = 1 AND phase = ? LIMIT 1`,
			string(session.PhaseWaiting),
		)

		found, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			// Lobby activated between insert and select.
			continue
		}
		if err != nil {
			return session.Session{}, fmt.Errorf("select lobby: %w", err)
		}
		return found, nil
	}

	return session.Session{}, fmt.Errorf("lobby kept changing after %d attempts", lobbyAttempts)
}

// GetSession loads a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, errclass.ErrSessionNotFound.WithMessage(id)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ActivateSession sets the documents and start time of a waiting session in
// one conditional update.
func (s *Store) ActivateSession(ctx context.Context, id string, start, target canonical.Document, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET phase = ?, start_id = ?, start_title = ?, target_id = ?, target_title = ?, started_at = ?
		 WHERE id = ? AND phase = ?`,
		string(session.PhaseActive),
		string(start.ID),
		start.Title,
		string(target.ID),
		target.Title,
		timeToMillis(startedAt),
		id,
		string(session.PhaseWaiting),
	)
	if err != nil {
		return false, fmt.Errorf("activate session: %w", err)
	}

	return s.changed(ctx, res, `SELECT 1 FROM sessions WHERE id = ?`, errclass.ErrSessionNotFound.WithMessage(id), id)
}

// FinishSession marks an active session finished.
func (s *Store) FinishSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET phase = ? WHERE id = ? AND phase = ?`,
		string(session.PhaseFinished),
		id,
		string(session.PhaseActive),
	)
	if err != nil {
		return false, fmt.Errorf("finish session: %w", err)
	}

	return s.changed(ctx, res, `SELECT 1 FROM sessions WHERE id = ?`, errclass.ErrSessionNotFound.WithMessage(id), id)
}

// PruneSessions deletes sessions created before cutoff, participants
// included.
func (s *Store) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, timeToMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

const participantColumns = `session_id, id, name, current_document, finished_at, elapsed_seconds, joined_at`

func scanParticipant(row scanner) (session.Participant, error) {
	var (
		p          session.Participant
		current    string
		finishedAt sql.NullInt64
		elapsed    sql.NullInt64
		joinedAt   int64
	)

	if err := row.Scan(&p.SessionID, &p.ID, &p.Name, &current, &finishedAt, &elapsed, &joinedAt); err != nil {
		return session.Participant{}, err
	}

	p.CurrentDocument = canonical.ID(current)
	p.FinishedAt = nullMillisToTime(finishedAt)
	if elapsed.Valid {
		v := elapsed.Int64
		p.ElapsedSeconds = &v
	}
	p.JoinedAt = millisToTime(joinedAt)

	return p, nil
}

// AddParticipant inserts p if it is not already part of the session.
func (s *Store) AddParticipant(ctx context.Context, p session.Participant) (session.Participant, error) {
	if strings.TrimSpace(p.ID) == "" {
		return session.Participant{}, fmt.Errorf("participant id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (session_id, id, name, current_document, joined_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, id) DO NOTHING`,
		p.SessionID,
		p.ID,
		p.Name,
		string(p.CurrentDocument),
		timeToMillis(p.JoinedAt),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "foreign key") {
			return session.Participant{}, errclass.ErrSessionNotFound.WithMessage(p.SessionID)
		}
		return session.Participant{}, fmt.Errorf("insert participant: %w", err)
	}

	return s.GetParticipant(ctx, p.SessionID, p.ID)
}

// GetParticipant loads one participant.
func (s *Store) GetParticipant(ctx context.Context, sessionID, id string) (session.Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = ? AND id = ?`,
		sessionID, id,
	)

	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Participant{}, errclass.ErrParticipantNotFound.WithMessagef("%s in %s", id, sessionID)
	}
	if err != nil {
		return session.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// ListParticipants returns the participants of a session in join order.
func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]session.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = ? ORDER BY joined_at, rowid`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []session.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return out, nil
}

// SetCurrentDocument records the document a participant is reading.
func (s *Store) SetCurrentDocument(ctx context.Context, sessionID, id string, doc canonical.ID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET current_document = ? WHERE session_id = ? AND id = ?`,
		string(doc), sessionID, id,
	)
	if err != nil {
		return fmt.Errorf("set current document: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return errclass.ErrParticipantNotFound.WithMessagef("%s in %s", id, sessionID)
	}
	return nil
}

// FinishParticipant writes the current document, finish time and elapsed
// time together, only if the participant has not finished yet.
func (s *Store) FinishParticipant(ctx context.Context, sessionID, id string, f session.Finish) (bool, error) {
	var elapsed sql.NullInt64
	if f.ElapsedSeconds != nil {
		elapsed = sql.NullInt64{Int64: *f.ElapsedSeconds, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE participants
		 SET current_document = ?, finished_at = ?, elapsed_seconds = ?
		 WHERE session_id = ? AND id = ? AND finished_at IS NULL`,
		string(f.Document),
		timeToMillis(f.FinishedAt),
		elapsed,
		sessionID,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("finish participant: %w", err)
	}

	return s.changed(ctx, res,
		`SELECT 1 FROM participants WHERE session_id = ? AND id = ?`,
		errclass.ErrParticipantNotFound.WithMessagef("%s in %s", id, sessionID),
		sessionID, id,
	)
}

// changed reports whether a conditional update hit a row. When it did not,
// existsQuery tells "condition false" apart from "no such row".
func (s *Store) changed(ctx context.Context, res sql.Result, existsQuery string, notFound error, args ...any) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var found int
	err = s.db.QueryRowContext(ctx, existsQuery, args...).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, notFound
	}
	if err != nil {
		return false, fmt.Errorf("check existence: %w", err)
	}
	return false, nil
}

// GetDocument returns cached markup for id.
func (s *Store) GetDocument(ctx context.Context, id canonical.ID) (wiki.CachedDocument, bool, error) {
	var (
		doc       wiki.CachedDocument
		docID     string
		fetchedAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, markup, fetched_at FROM documents WHERE id = ?`,
		string(id),
	).Scan(&docID, &doc.Title, &doc.Markup, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wiki.CachedDocument{}, false, nil
	}
	if err != nil {
		return wiki.CachedDocument{}, false, fmt.Errorf("get document: %w", err)
	}

	doc.ID = canonical.ID(docID)
	doc.FetchedAt = millisToTime(fetchedAt)

	return doc, true, nil
}

// PutDocument upserts cached markup.
func (s *Store) PutDocument(ctx context.Context, doc wiki.CachedDocument) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, title, markup, fetched_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		    title = excluded.title,
		    markup = excluded.markup,
		    fetched_at = excluded.fetched_at`,
		string(doc.ID),
		doc.Title,
		doc.Markup,
		timeToMillis(doc.FetchedAt),
	)
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// PruneDocuments deletes markup fetched before cutoff.
func (s *Store) PruneDocuments(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE fetched_at < ?`, timeToMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune documents: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func nullMillisToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
