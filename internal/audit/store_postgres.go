package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists audit events in the audit_events table. Inserts are
// idempotent on event id so a replayed emit cannot duplicate history.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	query := `
		INSERT INTO audit_events (
			id, ts, category, actor, entity_type, entity_id,
			prior_state, new_state, action, reason, request_id, archived
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,false)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, event.Category, event.Actor,
		event.EntityType, event.EntityID, event.PriorState, event.NewState,
		event.Action, event.Reason, event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]Event, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.EntityType != "" {
		add("entity_type = $%d", q.EntityType)
	}
	if q.EntityID != "" {
		add("entity_id = $%d", q.EntityID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if !q.From.IsZero() {
		add("ts >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("ts <= $%d", q.To)
	}

	query := `SELECT id, ts, category, actor, entity_type, entity_id,
		prior_state, new_state, action, reason, request_id, archived
		FROM audit_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.Category, &e.Actor,
			&e.EntityType, &e.EntityID, &e.PriorState, &e.NewState,
			&e.Action, &e.Reason, &e.RequestID, &e.Archived,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ArchiveExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE audit_events SET archived = true WHERE archived = false AND ts < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("archive audit events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
