package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicechat/internal/domain"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore keeps sealed conversation sessions, newest first, up to a cap.
type SessionStore interface {
	SaveSession(ctx context.Context, session domain.ConversationSession) error
	GetSession(ctx context.Context, sessionID string) (domain.ConversationSession, error)
	ListSessions(ctx context.Context) ([]domain.ConversationSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteAllSessions(ctx context.Context) error
	Close()
}

type Store struct {
	pool *pgxpool.Pool
	cap  int
}

func New(ctx context.Context, dsn string, capacity int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, cap: capacity}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			session_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			target_language TEXT NOT NULL,
			participant JSONB NOT NULL DEFAULT '{}'::jsonb,
			messages JSONB NOT NULL DEFAULT '[]'::jsonb,
			summary JSONB,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_sessions_started ON conversation_sessions(started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_sessions_project ON conversation_sessions(project_id, started_at DESC);`,
		`ALTER TABLE conversation_sessions ADD COLUMN IF NOT EXISTS user_turns INT NOT NULL DEFAULT 0;`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}

// SaveSession inserts or replaces the session and evicts the oldest rows
// beyond the retention cap in the same transaction.
func (s *Store) SaveSession(ctx context.Context, session domain.ConversationSession) error {
	participantRaw, err := json.Marshal(session.Participant)
	if err != nil {
		return err
	}
	messagesRaw, err := json.Marshal(session.Messages)
	if err != nil {
		return err
	}
	var summaryRaw []byte
	if session.Summary != nil {
		if summaryRaw, err = json.Marshal(session.Summary); err != nil {
			return err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_sessions(session_id, project_id, target_language, participant, messages, summary, status, started_at, ended_at, user_turns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id)
		DO UPDATE SET project_id=EXCLUDED.project_id, target_language=EXCLUDED.target_language,
			participant=EXCLUDED.participant, messages=EXCLUDED.messages, summary=EXCLUDED.summary,
			status=EXCLUDED.status, started_at=EXCLUDED.started_at, ended_at=EXCLUDED.ended_at,
			user_turns=EXCLUDED.user_turns, saved_at=NOW();
	`, session.ID, session.Participant.ProjectID, session.Participant.TargetLanguage, participantRaw, messagesRaw,
		summaryRaw, string(session.Status), session.StartedAt, session.EndedAt, session.UserTurns())
	if err != nil {
		return err
	}

	if s.cap > 0 {
		_, err = tx.Exec(ctx, `
			DELETE FROM conversation_sessions
			WHERE session_id IN (
				SELECT session_id FROM conversation_sessions
				ORDER BY started_at DESC, saved_at DESC
				OFFSET $1
			)
		`, s.cap)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.ConversationSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, participant, messages, summary, status, started_at, ended_at
		FROM conversation_sessions
		WHERE session_id=$1
	`, sessionID)
	out, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ConversationSession{}, ErrSessionNotFound
	}
	return out, err
}

func (s *Store) ListSessions(ctx context.Context) ([]domain.ConversationSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, participant, messages, summary, status, started_at, ended_at
		FROM conversation_sessions
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ConversationSession, 0)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversation_sessions WHERE session_id=$1`, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Store) DeleteAllSessions(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversation_sessions`)
	return err
}

func scanSession(row pgx.Row) (domain.ConversationSession, error) {
	var out domain.ConversationSession
	var participantRaw, messagesRaw, summaryRaw []byte
	var status string
	err := row.Scan(
		&out.ID,
		&participantRaw,
		&messagesRaw,
		&summaryRaw,
		&status,
		&out.StartedAt,
		&out.EndedAt,
	)
	if err != nil {
		return domain.ConversationSession{}, err
	}
	if err := json.Unmarshal(participantRaw, &out.Participant); err != nil {
		return domain.ConversationSession{}, err
	}
	if err := json.Unmarshal(messagesRaw, &out.Messages); err != nil {
		return domain.ConversationSession{}, err
	}
	if len(summaryRaw) > 0 {
		var summary domain.Summary
		if err := json.Unmarshal(summaryRaw, &summary); err != nil {
			return domain.ConversationSession{}, err
		}
		out.Summary = &summary
	}
	out.Status = domain.SessionStatus(status)
	out.StartedAt = out.StartedAt.UTC()
	out.EndedAt = out.EndedAt.UTC()
	return out, nil
}
