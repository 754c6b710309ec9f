package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRepo appends events to the call_events table.
//
// NOTE: This repository assumes the following table exists:
//
//	CREATE TABLE call_events (
//	  id UUID PRIMARY KEY,
//	  call_id TEXT NOT NULL,
//	  type TEXT NOT NULL,
//	  actor_user_id TEXT,
//	  ip_address TEXT,
//	  from_status TEXT,
//	  to_status TEXT,
//	  message TEXT,
//	  metadata JSONB,
//	  created_at TIMESTAMPTZ NOT NULL
//	);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	if r.db == nil {
		return errors.New("audit: database not configured")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO call_events (id, call_id, type, actor_user_id, ip_address, from_status, to_status, message, metadata, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, '')::jsonb, $10)
`, e.ID, e.CallID, string(e.Type), e.ActorUserID, e.IPAddress, e.FromStatus, e.ToStatus, e.Message, e.Metadata, e.CreatedAt)
	return err
}

// ListEvents returns events with from <= created_at < to, oldest first.
func (r *PostgresRepo) ListEvents(ctx context.Context, from, to time.Time) ([]Event, error) {
	if r.db == nil {
		return nil, errors.New("audit: database not configured")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, call_id, type, COALESCE(actor_user_id, ''), COALESCE(ip_address, ''),
       COALESCE(from_status, ''), COALESCE(to_status, ''), COALESCE(message, ''),
       COALESCE(metadata::text, ''), created_at
FROM call_events
WHERE created_at >= $1 AND created_at < $2
ORDER BY created_at, id
`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &e.CallID, &typ, &e.ActorUserID, &e.IPAddress,
			&e.FromStatus, &e.ToStatus, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
