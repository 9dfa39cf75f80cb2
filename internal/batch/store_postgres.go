package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"incasso/internal/mandate"
	id "incasso/pkg/domain"
	"incasso/pkg/platform/sentinel"
)

const batchColumns = `id, status, currency, sequence_type, execution_date,
	total_amount_cents, tx_count, submitted_at, created_at, updated_at`

const transactionColumns = `end_to_end_id, batch_id, charge_id, mandate_reference,
	member_id, amount_cents, currency, debtor_iban, debtor_bic, signature_date,
	sequence_type, remittance, attempt, outcome, reason_code, settled_at,
	created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateBatch(ctx context.Context, b Batch) error {
	if b.Status == "" {
		b.Status = StatusDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, status, currency, sequence_type, execution_date,
			total_amount_cents, tx_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		b.ID.String(), string(b.Status), string(b.Currency), string(b.SequenceType),
		b.ExecutionDate, int64(b.TotalAmount), b.TxCount,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return sentinel.ErrConflict
	}
	return err
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID id.BatchID) (Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = $1`, batchID.String())
	return scanBatch(row)
}

func (s *PostgresStore) ListBatches(ctx context.Context, status Status) ([]Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, batchID id.BatchID, prior, next Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		batchID.String(), string(prior), string(next),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetBatch(ctx, batchID); getErr != nil {
			return getErr
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) MarkSubmitted(ctx context.Context, batchID id.BatchID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = $2, submitted_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		batchID.String(), string(StatusSubmitted), at, string(StatusValidated),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetBatch(ctx, batchID); getErr != nil {
			return getErr
		}
		return sentinel.ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) CreateTransactions(ctx context.Context, txs []Transaction) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	for _, tx := range txs {
		if tx.Outcome == "" {
			tx.Outcome = OutcomePending
		}
		_, err := dbTx.ExecContext(ctx, `
			INSERT INTO transactions (end_to_end_id, batch_id, charge_id,
				mandate_reference, member_id, amount_cents, currency,
				debtor_iban, debtor_bic, signature_date, sequence_type,
				remittance, attempt, outcome, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())`,
			string(tx.EndToEndID), tx.BatchID.String(), string(tx.ChargeID),
			string(tx.MandateRef), tx.MemberID.String(), int64(tx.Amount),
			string(tx.Currency), tx.DebtorIBAN, tx.DebtorBIC, tx.SignatureDate,
			string(tx.SequenceType), tx.Remittance, tx.Attempt, string(tx.Outcome),
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert transaction %s: %w", tx.EndToEndID, err)
		}
	}
	return dbTx.Commit()
}

func (s *PostgresStore) GetTransaction(ctx context.Context, e2e id.EndToEndID) (Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE end_to_end_id = $1`,
		string(e2e))
	return scanTransaction(row)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, batchID id.BatchID) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE batch_id = $1 ORDER BY end_to_end_id`, batchID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetOutcome(ctx context.Context, e2e id.EndToEndID, outcome Outcome, reasonCode string, settledAt time.Time) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE transactions
		SET outcome = $2, reason_code = $3, settled_at = $4, updated_at = NOW()
		WHERE end_to_end_id = $1 AND outcome = $5
		RETURNING `+transactionColumns,
		string(e2e), string(outcome), reasonCode, nullTime(settledAt), string(OutcomePending),
	)
	tx, err := scanTransaction(row)
	if errors.Is(err, sentinel.ErrNotFound) {
		if _, getErr := s.GetTransaction(ctx, e2e); getErr != nil {
			return Transaction{}, getErr
		}
		return Transaction{}, sentinel.ErrInvalidState
	}
	return tx, err
}

func (s *PostgresStore) MarkPermanentlyFailed(ctx context.Context, e2e id.EndToEndID) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE transactions SET outcome = $2, updated_at = NOW()
		WHERE end_to_end_id = $1 AND outcome = $3
		RETURNING `+transactionColumns,
		string(e2e), string(OutcomePermanentlyFailed), string(OutcomeFailed),
	)
	tx, err := scanTransaction(row)
	if errors.Is(err, sentinel.ErrNotFound) {
		if _, getErr := s.GetTransaction(ctx, e2e); getErr != nil {
			return Transaction{}, getErr
		}
		return Transaction{}, sentinel.ErrInvalidState
	}
	return tx, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (Batch, error) {
	var (
		b           Batch
		rawID       string
		status      string
		currency    string
		seqType     string
		amount      int64
		submittedAt sql.NullTime
	)
	err := row.Scan(&rawID, &status, &currency, &seqType, &b.ExecutionDate,
		&amount, &b.TxCount, &submittedAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Batch{}, err
	}
	if b.ID, err = id.ParseBatchID(rawID); err != nil {
		return Batch{}, err
	}
	b.Status = Status(status)
	b.Currency = id.Currency(currency)
	b.SequenceType = mandate.SequenceType(seqType)
	b.TotalAmount = id.Cents(amount)
	if submittedAt.Valid {
		b.SubmittedAt = submittedAt.Time
	}
	return b, nil
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		tx         Transaction
		rawE2E     string
		rawBatch   string
		rawCharge  string
		rawRef     string
		rawMember  string
		amount     int64
		currency   string
		seqType    string
		outcome    string
		reasonCode sql.NullString
		settledAt  sql.NullTime
	)
	err := row.Scan(&rawE2E, &rawBatch, &rawCharge, &rawRef, &rawMember,
		&amount, &currency, &tx.DebtorIBAN, &tx.DebtorBIC, &tx.SignatureDate,
		&seqType, &tx.Remittance, &tx.Attempt, &outcome, &reasonCode,
		&settledAt, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	tx.EndToEndID = id.EndToEndID(rawE2E)
	tx.ChargeID = id.ChargeID(rawCharge)
	tx.MandateRef = id.MandateRef(rawRef)
	tx.Amount = id.Cents(amount)
	tx.Currency = id.Currency(currency)
	tx.SequenceType = mandate.SequenceType(seqType)
	tx.Outcome = Outcome(outcome)
	if tx.BatchID, err = id.ParseBatchID(rawBatch); err != nil {
		return Transaction{}, err
	}
	if tx.MemberID, err = id.ParseMemberID(rawMember); err != nil {
		return Transaction{}, err
	}
	if reasonCode.Valid {
		tx.ReasonCode = reasonCode.String
	}
	if settledAt.Valid {
		tx.SettledAt = settledAt.Time
	}
	return tx, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
