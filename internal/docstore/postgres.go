package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the docstore tables. Execute it via
// [Postgres.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS cvs (
    user_id    TEXT PRIMARY KEY,
    content    TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
    session_id   TEXT PRIMARY KEY,
    title        TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    requirements TEXT NOT NULL DEFAULT '',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transcripts (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    source     TEXT NOT NULL DEFAULT '',
    speaker    TEXT NOT NULL DEFAULT '',
    content    TEXT NOT NULL,
    start_at   TIMESTAMPTZ NOT NULL,
    end_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, id);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is a [Store] backed by PostgreSQL.
type Postgres struct {
	db DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres store over the given connection or
// pool. Call [Postgres.Migrate] before issuing queries.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("docstore: migrate: %w", err)
	}
	return nil
}

// GetCV implements [Store].
func (s *Postgres) GetCV(ctx context.Context, userID string) (*CV, error) {
	var (
		row pgx.Row
		cv  CV
	)
	if userID == "" {
		row = s.db.QueryRow(ctx,
			`SELECT user_id, content, updated_at FROM cvs ORDER BY updated_at DESC LIMIT 1`)
	} else {
		row = s.db.QueryRow(ctx,
			`SELECT user_id, content, updated_at FROM cvs WHERE user_id = $1`, userID)
	}
	err := row.Scan(&cv.UserID, &cv.Content, &cv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("docstore: get cv %q: %w", userID, err)
	}
	return &cv, nil
}

// UpsertCV implements [Store].
func (s *Postgres) UpsertCV(ctx context.Context, cv *CV) error {
	const query = `
		INSERT INTO cvs (user_id, content) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			content = EXCLUDED.content,
			updated_at = now()
		RETURNING updated_at`
	if err := s.db.QueryRow(ctx, query, cv.UserID, cv.Content).Scan(&cv.UpdatedAt); err != nil {
		return fmt.Errorf("docstore: upsert cv: %w", err)
	}
	return nil
}

// GetJob implements [Store].
func (s *Postgres) GetJob(ctx context.Context, sessionID string) (*Job, error) {
	const query = `
		SELECT session_id, title, description, requirements, updated_at
		FROM jobs WHERE session_id = $1`
	var job Job
	err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&job.SessionID, &job.Title, &job.Description, &job.Requirements, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("docstore: get job %q: %w", sessionID, err)
	}
	return &job, nil
}

// UpsertJob implements [Store].
func (s *Postgres) UpsertJob(ctx context.Context, job *Job) error {
	const query = `
		INSERT INTO jobs (session_id, title, description, requirements)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			requirements = EXCLUDED.requirements,
			updated_at = now()
		RETURNING updated_at`
	err := s.db.QueryRow(ctx, query,
		job.SessionID, job.Title, job.Description, job.Requirements,
	).Scan(&job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("docstore: upsert job: %w", err)
	}
	return nil
}

// SaveTranscript implements [Store].
func (s *Postgres) SaveTranscript(ctx context.Context, tr *Transcript) error {
	const query = `
		INSERT INTO transcripts (session_id, source, speaker, content, start_at, end_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.Exec(ctx, query,
		tr.SessionID, tr.Source, tr.Speaker, tr.Content, tr.StartAt, tr.EndAt)
	if err != nil {
		return fmt.Errorf("docstore: save transcript: %w", err)
	}
	return nil
}

// Transcripts implements [Store].
func (s *Postgres) Transcripts(ctx context.Context, sessionID string, limit int) ([]Transcript, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		const query = `
			SELECT session_id, source, speaker, content, start_at, end_at
			FROM transcripts WHERE session_id = $1
			ORDER BY id LIMIT $2`
		rows, err = s.db.Query(ctx, query, sessionID, limit)
	} else {
		const query = `
			SELECT session_id, source, speaker, content, start_at, end_at
			FROM transcripts WHERE session_id = $1
			ORDER BY id`
		rows, err = s.db.Query(ctx, query, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var tr Transcript
		if err := rows.Scan(
			&tr.SessionID, &tr.Source, &tr.Speaker, &tr.Content, &tr.StartAt, &tr.EndAt,
		); err != nil {
			return nil, fmt.Errorf("docstore: transcripts scan: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: transcripts: %w", err)
	}
	return out, nil
}

// Ping implements [Store].
func (s *Postgres) Ping(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `SELECT 1`); err != nil {
		return fmt.Errorf("docstore: ping: %w", err)
	}
	return nil
}
