// Package sqlite implements the core.Repository capability on SQLite. It uses
// the pure-Go ncruces driver so no cgo toolchain is required. State writes are
// transactional: the orchestration state and the session end reason land
// together, which keeps a crash recoverable by replaying from the last
// persisted phase.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	scheduled_execution_time DATETIME,
	end_reason TEXT,
	seed_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS orchestration_states (
	session_id TEXT PRIMARY KEY REFERENCES sessions(id),
	session_type TEXT NOT NULL,
	phase TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	awaiting_confirmation INTEGER NOT NULL DEFAULT 0,
	parse_retried INTEGER NOT NULL DEFAULT 0,
	continuation_reason TEXT NOT NULL DEFAULT '',
	phase_before_pause TEXT NOT NULL DEFAULT '',
	end_reason TEXT NOT NULL DEFAULT '',
	waiting TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	sequence INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS seeds (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	prompt TEXT NOT NULL,
	schedule TEXT NOT NULL DEFAULT '',
	provider_id TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1
);
`

// Store is a SQLite-backed Repository.
type Store struct {
	db *sql.DB
}

// Open connects to (and initializes) the database at path. Use ":memory:" for
// an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveSession inserts or replaces a session row.
func (s *Store) SaveSession(ctx context.Context, sess *core.Session) error {
	var scheduled any
	if sess.ScheduledExecutionTime != nil {
		scheduled = sess.ScheduledExecutionTime.UTC()
	}
	var endReason any
	if sess.EndReason != nil {
		endReason = string(*sess.EndReason)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, type, provider_id, created_at, scheduled_execution_time, end_reason, seed_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scheduled_execution_time = excluded.scheduled_execution_time,
			end_reason = excluded.end_reason`,
		sess.ID, string(sess.Type), sess.ProviderID, sess.CreatedAt.UTC(), scheduled, endReason, sess.SeedID)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession loads a session row by id.
func (s *Store) GetSession(ctx context.Context, id string) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, provider_id, created_at, scheduled_execution_time, end_reason, seed_id
		FROM sessions WHERE id = ?`, id)

	var sess core.Session
	var typ string
	var scheduled sql.NullTime
	var endReason sql.NullString
	err := row.Scan(&sess.ID, &typ, &sess.ProviderID, &sess.CreatedAt, &scheduled, &endReason, &sess.SeedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Type = core.SessionType(typ)
	if scheduled.Valid {
		t := scheduled.Time
		sess.ScheduledExecutionTime = &t
	}
	if endReason.Valid && endReason.String != "" {
		r := core.EndReason(endReason.String)
		sess.EndReason = &r
	}
	return &sess, nil
}

// SaveState persists the orchestration state and the session end reason in a
// single transaction.
func (s *Store) SaveState(ctx context.Context, state core.OrchestrationState) error {
	waiting, err := encodeWaiting(state.Waiting)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state write: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orchestration_states
			(session_id, session_type, phase, retry_count, awaiting_confirmation,
			 parse_retried, continuation_reason, phase_before_pause, end_reason, waiting)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			phase = excluded.phase,
			retry_count = excluded.retry_count,
			awaiting_confirmation = excluded.awaiting_confirmation,
			parse_retried = excluded.parse_retried,
			continuation_reason = excluded.continuation_reason,
			phase_before_pause = excluded.phase_before_pause,
			end_reason = excluded.end_reason,
			waiting = excluded.waiting`,
		state.SessionID, string(state.SessionType), string(state.Phase), state.RetryCount,
		state.AwaitingCompletionConfirmation, state.ParseRetried,
		string(state.ContinuationReason), string(state.PhaseBeforePause),
		string(state.EndReason), waiting)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	if state.Phase.Terminal() {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET end_reason = ? WHERE id = ? AND end_reason IS NULL`,
			string(state.EndReason), state.SessionID)
		if err != nil {
			return fmt.Errorf("save end reason: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state write: %w", err)
	}
	return nil
}

// LoadState returns the last persisted state for a session, if any.
func (s *Store) LoadState(ctx context.Context, sessionID string) (core.OrchestrationState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, session_type, phase, retry_count, awaiting_confirmation,
		       parse_retried, continuation_reason, phase_before_pause, end_reason, waiting
		FROM orchestration_states WHERE session_id = ?`, sessionID)

	var st core.OrchestrationState
	var typ, phase, contReason, phaseBefore, endReason, waiting string
	err := row.Scan(&st.SessionID, &typ, &phase, &st.RetryCount, &st.AwaitingCompletionConfirmation,
		&st.ParseRetried, &contReason, &phaseBefore, &endReason, &waiting)
	if errors.Is(err, sql.ErrNoRows) {
		return core.OrchestrationState{}, false, nil
	}
	if err != nil {
		return core.OrchestrationState{}, false, fmt.Errorf("load state: %w", err)
	}

	st.SessionType = core.SessionType(typ)
	st.Phase = core.Phase(phase)
	st.ContinuationReason = core.ContinuationReason(contReason)
	st.PhaseBeforePause = core.Phase(phaseBefore)
	st.EndReason = core.EndReason(endReason)

	st.Waiting, err = decodeWaiting(st.Phase, st.PhaseBeforePause, waiting)
	if err != nil {
		return core.OrchestrationState{}, false, err
	}
	return st, true, nil
}

// AppendMessage assigns the next sequence number and inserts the message in a
// single transaction.
func (s *Store) AppendMessage(ctx context.Context, m core.Message) (core.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?`, m.SessionID)
	if err := row.Scan(&m.Sequence); err != nil {
		return core.Message{}, fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, sequence, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.SessionID, m.Sequence, string(m.Role), m.Content, m.CreatedAt.UTC())
	if err != nil {
		return core.Message{}, fmt.Errorf("append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.Message{}, fmt.Errorf("commit append: %w", err)
	}
	return m, nil
}

// Messages returns the session transcript in sequence order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []core.Message
	for rows.Next() {
		var m core.Message
		var role string
		var created time.Time
		if err := rows.Scan(&m.SessionID, &m.Sequence, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = core.Role(role)
		m.CreatedAt = created
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SaveSeed inserts or replaces a seed row.
func (s *Store) SaveSeed(ctx context.Context, seed *core.Seed) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seeds (id, name, prompt, schedule, provider_id, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			prompt = excluded.prompt,
			schedule = excluded.schedule,
			provider_id = excluded.provider_id,
			enabled = excluded.enabled`,
		seed.ID, seed.Name, seed.Prompt, seed.Schedule, seed.ProviderID, seed.Enabled)
	if err != nil {
		return fmt.Errorf("save seed: %w", err)
	}
	return nil
}

// Seeds returns all stored seeds.
func (s *Store) Seeds(ctx context.Context) ([]*core.Seed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, prompt, schedule, provider_id, enabled FROM seeds ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query seeds: %w", err)
	}
	defer rows.Close()

	var seeds []*core.Seed
	for rows.Next() {
		var seed core.Seed
		if err := rows.Scan(&seed.ID, &seed.Name, &seed.Prompt, &seed.Schedule, &seed.ProviderID, &seed.Enabled); err != nil {
			return nil, fmt.Errorf("scan seed: %w", err)
		}
		seeds = append(seeds, &seed)
	}
	return seeds, rows.Err()
}

func encodeWaiting(w core.WaitingContext) (string, error) {
	if w == nil {
		return "", nil
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("encode waiting context: %w", err)
	}
	return string(b), nil
}

// decodeWaiting reconstructs the concrete waiting context from its JSON form.
// The concrete type follows from the phase: either the current phase is a
// waiting phase, or the session is paused inside one.
func decodeWaiting(phase, phaseBefore core.Phase, raw string) (core.WaitingContext, error) {
	if raw == "" {
		return nil, nil
	}
	effective := phase
	if phase == core.PhasePaused {
		effective = phaseBefore
	}
	switch effective {
	case core.PhaseWaitingValidation:
		var c core.ValidationContext
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode validation context: %w", err)
		}
		return c, nil
	case core.PhaseWaitingCommunication:
		var c core.CommunicationContext
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode communication context: %w", err)
		}
		return c, nil
	case core.PhaseWaitingCompletion:
		var c core.CompletionContext
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode completion context: %w", err)
		}
		return c, nil
	}
	return nil, nil
}
