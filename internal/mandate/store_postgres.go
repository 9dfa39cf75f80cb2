package mandate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	id "incasso/pkg/domain"
	"incasso/pkg/platform/sentinel"
)

// PostgresStore persists mandates. Status changes are conditional UPDATEs so
// concurrent transitions serialize at the row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const mandateColumns = `reference, member_id, iban, bic, creditor_id,
	sequence_type, status, usage_count, signature_date, valid_until,
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, m Mandate) error {
	query := `
		INSERT INTO mandates (` + mandateColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.Reference, m.MemberID.String(), m.IBAN, m.BIC, m.CreditorID,
		m.SequenceType, m.Status, m.UsageCount, m.SignatureDate, nullTime(m.ValidUntil),
		m.CreatedAt, m.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert mandate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, ref id.MandateRef) (Mandate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mandateColumns+` FROM mandates WHERE reference = $1`, ref)
	return scanMandate(row)
}

func (s *PostgresStore) ListByMember(ctx context.Context, member id.MemberID) ([]Mandate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mandateColumns+` FROM mandates WHERE member_id = $1 ORDER BY created_at`,
		member.String())
	if err != nil {
		return nil, fmt.Errorf("list mandates: %w", err)
	}
	defer rows.Close()
	return collectMandates(rows)
}

func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, ref id.MandateRef, prior, next Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mandates SET status = $1, updated_at = now() WHERE reference = $2 AND status = $3`,
		next, ref, prior)
	// The idx_mandates_one_active partial unique index rejects a second
	// Active recurring mandate for the same member and creditor.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update mandate status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing row from state mismatch for the caller.
		if _, getErr := s.Get(ctx, ref); errors.Is(getErr, sentinel.ErrNotFound) {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, ref id.MandateRef) (Mandate, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE mandates
		SET usage_count = usage_count + 1,
		    sequence_type = CASE WHEN sequence_type = 'FRST' THEN 'RCUR' ELSE sequence_type END,
		    updated_at = now()
		WHERE reference = $1
		RETURNING `+mandateColumns, ref)
	return scanMandate(row)
}

func (s *PostgresStore) ListLapsed(ctx context.Context, asOf time.Time) ([]Mandate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mandateColumns+` FROM mandates
		 WHERE status = $1 AND valid_until IS NOT NULL AND valid_until < $2`,
		StatusActive, asOf)
	if err != nil {
		return nil, fmt.Errorf("list lapsed mandates: %w", err)
	}
	defer rows.Close()
	return collectMandates(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMandate(row scanner) (Mandate, error) {
	var (
		m         Mandate
		memberID  string
		validTill sql.NullTime
	)
	err := row.Scan(
		&m.Reference, &memberID, &m.IBAN, &m.BIC, &m.CreditorID,
		&m.SequenceType, &m.Status, &m.UsageCount, &m.SignatureDate, &validTill,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Mandate{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Mandate{}, fmt.Errorf("scan mandate: %w", err)
	}
	parsed, err := id.ParseMemberID(memberID)
	if err != nil {
		return Mandate{}, fmt.Errorf("stored member id: %w", err)
	}
	m.MemberID = parsed
	if validTill.Valid {
		m.ValidUntil = validTill.Time
	}
	return m, nil
}

func collectMandates(rows *sql.Rows) ([]Mandate, error) {
	var out []Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
