package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/cabdispatch/internal/dispatch/domain"
)

// ArchiveSubject is the NATS subject archived-trip notifications are
// drained to by the outbox worker.
const ArchiveSubject = "dispatch.trips.archived"

// Postgres persists completed trips and enqueues an outbox row for each in
// the same transaction, so the durable record and its notification cannot
// diverge.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the archive tables when they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS completed_trips (
    id UUID PRIMARY KEY,
    rider_id UUID NOT NULL,
    cab_id UUID NOT NULL,
    dest_x DOUBLE PRECISION NOT NULL,
    dest_y DOUBLE PRECISION NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    ended_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS dispatch_outbox (
    id BIGSERIAL PRIMARY KEY,
    topic TEXT NOT NULL,
    payload JSONB NOT NULL,
    published BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}

// SaveCompleted stores the completed trip and its outbox notification.
func (p *Postgres) SaveCompleted(ctx context.Context, trip domain.Trip) error {
	if trip.EndedAt == nil {
		return fmt.Errorf("archive trip %s: not completed", trip.ID)
	}

	payload, err := json.Marshal(domain.DispatchEvent{
		Type:      domain.EventTripCompleted,
		TripID:    trip.ID,
		CabID:     trip.CabID,
		RiderID:   trip.RiderID,
		CreatedAt: *trip.EndedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal archive event: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO completed_trips (id, rider_id, cab_id, dest_x, dest_y, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		trip.ID, trip.RiderID, trip.CabID, trip.Destination.X, trip.Destination.Y, trip.StartedAt, *trip.EndedAt,
	); err != nil {
		return fmt.Errorf("insert completed trip: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dispatch_outbox (topic, payload) VALUES ($1, $2)`,
		ArchiveSubject, payload,
	); err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}

	return tx.Commit()
}
