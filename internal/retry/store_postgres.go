package retry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	id "incasso/pkg/domain"
	"incasso/pkg/platform/sentinel"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_attempts (id, charge_id, end_to_end_id, mandate_reference,
			number, scheduled_for, consumed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())`,
		a.ID.String(), string(a.ChargeID), string(a.EndToEndID),
		string(a.MandateRef), a.Number, a.ScheduledFor,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return sentinel.ErrConflict
	}
	return err
}

func (s *PostgresStore) ListDue(ctx context.Context, asOf time.Time) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, charge_id, end_to_end_id, mandate_reference, number,
			scheduled_for, consumed, created_at
		FROM retry_attempts
		WHERE consumed = FALSE AND scheduled_for <= $1
		ORDER BY scheduled_for, charge_id`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a                                Attempt
			rawID, rawCharge, rawE2E, rawRef string
		)
		if err := rows.Scan(&rawID, &rawCharge, &rawE2E, &rawRef,
			&a.Number, &a.ScheduledFor, &a.Consumed, &a.CreatedAt); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(rawID); err != nil {
			return nil, err
		}
		a.ChargeID = id.ChargeID(rawCharge)
		a.EndToEndID = id.EndToEndID(rawE2E)
		a.MandateRef = id.MandateRef(rawRef)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkConsumed(ctx context.Context, attemptID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retry_attempts SET consumed = TRUE
		WHERE id = $1 AND consumed = FALSE`, attemptID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM retry_attempts WHERE id = $1)`,
			attemptID.String()).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) CountByCharge(ctx context.Context, chargeID id.ChargeID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM retry_attempts WHERE charge_id = $1`,
		string(chargeID)).Scan(&n)
	return n, err
}
