package charge

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	id "incasso/pkg/domain"
	"incasso/pkg/platform/sentinel"
)

const chargeColumns = `id, member_id, mandate_reference, amount_cents, currency,
	due_date, included, batch_id, attempt, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Accept(ctx context.Context, c Charge) error {
	if c.Attempt == 0 {
		c.Attempt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO charges (id, member_id, mandate_reference, amount_cents, currency,
			due_date, included, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, NOW(), NOW())`,
		string(c.ID), c.MemberID.String(), string(c.MandateRef), int64(c.Amount),
		string(c.Currency), c.DueDate, c.Attempt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return sentinel.ErrConflict
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, chargeID id.ChargeID) (Charge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chargeColumns+` FROM charges WHERE id = $1`, string(chargeID))
	return scanCharge(row)
}

func (s *PostgresStore) ListEligible(ctx context.Context, asOf time.Time) ([]Charge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chargeColumns+` FROM charges
		WHERE included = FALSE AND due_date <= $1
		ORDER BY due_date, id`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCharges(rows)
}

// Claim is a conditional UPDATE: the included = FALSE predicate is the
// compare-and-set. When zero rows match we look the charge up to tell a
// missing charge from one already claimed.
func (s *PostgresStore) Claim(ctx context.Context, chargeID id.ChargeID, batchID id.BatchID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE charges SET included = TRUE, batch_id = $2, updated_at = NOW()
		WHERE id = $1 AND included = FALSE`,
		string(chargeID), batchID.String(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.Get(ctx, chargeID); getErr != nil {
			return getErr
		}
		return sentinel.ErrAlreadyClaimed
	}
	return nil
}

// Release puts a charge back into the pool. The attempt counter advances so
// the next inclusion carries a fresh end-to-end id; the dead batch's
// transaction rows stay behind for the audit trail.
func (s *PostgresStore) Release(ctx context.Context, chargeID id.ChargeID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE charges SET included = FALSE, batch_id = NULL,
			attempt = attempt + 1, updated_at = NOW()
		WHERE id = $1`, string(chargeID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ReleaseBatch(ctx context.Context, batchID id.BatchID) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE charges SET included = FALSE, batch_id = NULL,
			attempt = attempt + 1, updated_at = NOW()
		WHERE included = TRUE AND batch_id = $1`, batchID.String())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Requeue(ctx context.Context, chargeID id.ChargeID, dueDate time.Time) (Charge, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE charges
		SET included = FALSE, batch_id = NULL, due_date = $2,
			attempt = attempt + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING `+chargeColumns,
		string(chargeID), dueDate,
	)
	c, err := scanCharge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Charge{}, sentinel.ErrNotFound
	}
	return c, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharge(row rowScanner) (Charge, error) {
	var (
		c         Charge
		rawID     string
		rawMember string
		rawRef    string
		amount    int64
		currency  string
		batchID   sql.NullString
	)
	err := row.Scan(&rawID, &rawMember, &rawRef, &amount, &currency,
		&c.DueDate, &c.Included, &batchID, &c.Attempt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Charge{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Charge{}, err
	}
	c.ID = id.ChargeID(rawID)
	c.MandateRef = id.MandateRef(rawRef)
	c.Amount = id.Cents(amount)
	c.Currency = id.Currency(currency)
	if c.MemberID, err = id.ParseMemberID(rawMember); err != nil {
		return Charge{}, err
	}
	if batchID.Valid {
		if c.BatchID, err = id.ParseBatchID(batchID.String); err != nil {
			return Charge{}, err
		}
	}
	return c, nil
}

func collectCharges(rows *sql.Rows) ([]Charge, error) {
	var out []Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
