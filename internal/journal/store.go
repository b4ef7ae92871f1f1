package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store persists batches of rows.
type Store interface {
	// Insert writes rows and returns how many were skipped as duplicates.
	Insert(ctx context.Context, rows []Row) (conflicts int, err error)
}

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS project_events (
	id          uuid PRIMARY KEY,
	event_type  text NOT NULL,
	action      text NOT NULL DEFAULT '',
	project_id  bigint,
	actor_id    bigint,
	actor_name  text,
	payload     jsonb NOT NULL,
	received_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS project_events_project_received_idx
	ON project_events (project_id, received_at);
`

const insertSQL = `
	INSERT INTO project_events (id, event_type, action, project_id, actor_id, actor_name, payload, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING
`

// PGStore writes rows to PostgreSQL.
type PGStore struct {
	db DB
}

// NewPGStore creates a store over db.
func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the table and index if missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create project_events: %w", err)
	}
	return nil
}

// Insert writes rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PGStore) Insert(ctx context.Context, rows []Row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSQL, r.ID, r.EventType, r.Action, r.ProjectID, r.ActorID, r.ActorName, string(r.Payload), r.ReceivedAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, fmt.Errorf("insert project_events: %w", err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
