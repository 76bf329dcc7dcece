package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

var (
	ErrDeadlock      = errors.New("deadlock detected")
	ErrSerialization = errors.New("serialization failure")
)

const (
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
	pgLockNotAvailable    = "55P03"
	pgDeadlockDetected    = "40P01"
	pgSerializationFailed = "40001"

	activeCodeIndex = "payment_codes_active_code_uq"
	attemptLockKey  = 0x61747470
)

// PostgresStore implements paycode.Store over database/sql with the pgx
// driver. The code row is the serialization point: FindActiveCode with lock
// issues SELECT ... FOR UPDATE, and MarkCodeUsed only updates ACTIVE rows.
type PostgresStore struct {
	// LockTimeout is applied with SET LOCAL lock_timeout at the start of every
	// transaction. Zero leaves the server default.
	LockTimeout time.Duration

	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

// classifyPgError maps driver failures onto sentinels callers can match.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgLockNotAvailable:
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	case pgDeadlockDetected:
		return fmt.Errorf("%w: %w", ErrDeadlock, err)
	case pgSerializationFailed:
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	case pgUniqueViolation:
		if pgErr.ConstraintName == activeCodeIndex {
			return fmt.Errorf("%w: %w", paycode.ErrDuplicateCode, err)
		}
	case pgCheckViolation:
		if pgErr.TableName == "accounts" {
			return fmt.Errorf("%w: %w", ErrNegativeBalance, err)
		}
	}
	return err
}

// IsTransient reports lock timeouts, deadlocks and serialization failures.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrDeadlock) || errors.Is(err, ErrSerialization)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx paycode.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classifyPgError(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if s.LockTimeout > 0 {
		ms := fmt.Sprintf("%dms", s.LockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms); err != nil {
			return classifyPgError(err)
		}
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classifyPgError(err)
	}
	return classifyPgError(tx.Commit())
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, rec paycode.AttemptRecord) (paycode.AttemptRecord, error) {
	var out paycode.AttemptRecord
	err := s.InTx(ctx, func(ctx context.Context, tx paycode.Tx) error {
		var err error
		out, err = tx.AppendAttempt(ctx, rec)
		return err
	})
	return out, err
}

func (s *PostgresStore) Account(ctx context.Context, id int64) (paycode.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *PostgresStore) Attempts(ctx context.Context, f paycode.AttemptFilter) ([]paycode.AttemptRecord, error) {
	q := `
SELECT ` + attemptColumns + `
FROM payment_attempts
WHERE ($1 = '' OR code = $1)
  AND ($2 = 0 OR account_id = $2)
ORDER BY seq ASC
`
	args := []any{f.Code, f.AccountID}
	if f.Limit > 0 {
		q = `
SELECT ` + attemptColumns + ` FROM (
  SELECT seq, ` + attemptColumns + `
  FROM payment_attempts
  WHERE ($1 = '' OR code = $1)
    AND ($2 = 0 OR account_id = $2)
  ORDER BY seq DESC
  LIMIT $3
) recent
ORDER BY seq ASC
`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]paycode.AttemptRecord, 0)
	for rows.Next() {
		var (
			r       paycode.AttemptRecord
			outcome string
		)
		if err := rows.Scan(&r.ID, &r.Code, &r.AccountID, &outcome, &r.Message, &r.CreatedAt, &r.HashPrev, &r.HashCurr); err != nil {
			return nil, err
		}
		r.Outcome = paycode.Outcome(outcome)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CodesByBusiness(ctx context.Context, businessID int64, state paycode.State, limit int) ([]paycode.PaymentCode, error) {
	const q = `
SELECT ` + codeColumns + `
FROM payment_codes
WHERE business_id = $1
  AND ($2 = '' OR state = $2)
ORDER BY created_at DESC
LIMIT $3
`
	rows, err := s.db.QueryContext(ctx, q, businessID, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]paycode.PaymentCode, 0)
	for rows.Next() {
		pc, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CodeStats(ctx context.Context, businessID int64) (paycode.CodeStats, error) {
	const q = `
SELECT
  COUNT(*) FILTER (WHERE state = 'active'),
  COUNT(*) FILTER (WHERE state = 'used'),
  COUNT(*) FILTER (WHERE state = 'expired'),
  COUNT(*) FILTER (WHERE state = 'cancelled'),
  COUNT(*),
  COALESCE(SUM(amount) FILTER (WHERE state = 'used'), 0)
FROM payment_codes
WHERE business_id = $1
`
	var st paycode.CodeStats
	if err := s.db.QueryRowContext(ctx, q, businessID).Scan(&st.Active, &st.Used, &st.Expired, &st.Cancelled, &st.Total, &st.CollectedTotal); err != nil {
		return paycode.CodeStats{}, err
	}
	st.CollectedAverage = decimal.Zero
	if st.Used > 0 {
		st.CollectedAverage = st.CollectedTotal.Div(decimal.NewFromInt(st.Used)).Round(2)
	}
	return st, nil
}

func (s *PostgresStore) CountCodesByState(ctx context.Context) (map[paycode.State]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM payment_codes GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[paycode.State]int64{
		paycode.StateActive:    0,
		paycode.StateUsed:      0,
		paycode.StateExpired:   0,
		paycode.StateCancelled: 0,
	}
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[paycode.State(state)] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransactionsByPayer(ctx context.Context, payerID int64, limit int) ([]paycode.Transaction, error) {
	const q = `
SELECT ` + transactionColumns + `
FROM transactions
WHERE payer_account_id = $1
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, payerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]paycode.Transaction, 0)
	for rows.Next() {
		trx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, trx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransactionByID(ctx context.Context, id uuid.UUID) (paycode.Transaction, error) {
	return scanTransaction(s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

// ExpireCodes skips rows another transaction has locked; a redemption holding
// the lock finishes first and the row is no longer ACTIVE afterwards.
func (s *PostgresStore) ExpireCodes(ctx context.Context, now time.Time, limit int) (int64, error) {
	const q = `
WITH doomed AS (
  SELECT id
  FROM payment_codes
  WHERE state = 'active' AND expires_at <= $1
  ORDER BY expires_at ASC
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
UPDATE payment_codes
SET state = 'expired'
WHERE id IN (SELECT id FROM doomed) AND state = 'active'
`
	res, err := s.db.ExecContext(ctx, q, now, limit)
	if err != nil {
		return 0, classifyPgError(err)
	}
	return res.RowsAffected()
}

const (
	accountColumns     = `id, display_name, balance, active, pin_hash`
	codeColumns        = `id, code, receiver_account_id, issuer_account_id, business_id, amount, description, state, created_at, expires_at, payer_account_id, used_at, cancelled_at`
	transactionColumns = `id, reference, payment_code_id, payer_account_id, receiver_account_id, business_id, amount, description, payer_balance_before, payer_balance_after, created_at`
	attemptColumns     = `id, code, account_id, outcome, message, created_at, hash_prev, hash_curr`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (paycode.Account, error) {
	var a paycode.Account
	err := row.Scan(&a.ID, &a.DisplayName, &a.Balance, &a.Active, &a.PinHash)
	if errors.Is(err, sql.ErrNoRows) {
		return paycode.Account{}, paycode.ErrNotFound
	}
	return a, err
}

func scanCode(row rowScanner) (paycode.PaymentCode, error) {
	var (
		pc                      paycode.PaymentCode
		state                   string
		issuer, business, payer sql.NullInt64
		usedAt, cancelledAt     sql.NullTime
	)
	err := row.Scan(&pc.ID, &pc.Code, &pc.ReceiverAccountID, &issuer, &business, &pc.Amount, &pc.Description,
		&state, &pc.CreatedAt, &pc.ExpiresAt, &payer, &usedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return paycode.PaymentCode{}, paycode.ErrNotFound
	}
	if err != nil {
		return paycode.PaymentCode{}, err
	}
	pc.State = paycode.State(state)
	pc.CreatedAt = pc.CreatedAt.UTC()
	pc.ExpiresAt = pc.ExpiresAt.UTC()
	pc.IssuerAccountID = nullInt64(issuer)
	pc.BusinessID = nullInt64(business)
	pc.PayerAccountID = nullInt64(payer)
	pc.UsedAt = nullTime(usedAt)
	pc.CancelledAt = nullTime(cancelledAt)
	return pc, nil
}

func scanTransaction(row rowScanner) (paycode.Transaction, error) {
	var (
		t        paycode.Transaction
		business sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Reference, &t.PaymentCodeID, &t.PayerAccountID, &t.ReceiverAccountID, &business,
		&t.Amount, &t.Description, &t.PayerBalanceBefore, &t.PayerBalanceAfter, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return paycode.Transaction{}, paycode.ErrNotFound
	}
	if err != nil {
		return paycode.Transaction{}, err
	}
	t.BusinessID = nullInt64(business)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Account(ctx context.Context, id int64) (paycode.Account, error) {
	return scanAccount(t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// LockAccounts locks one row at a time in ascending id order so two
// settlements touching the same pair of accounts cannot deadlock.
func (t *pgTx) LockAccounts(ctx context.Context, ids ...int64) (map[int64]paycode.Account, error) {
	out := make(map[int64]paycode.Account, len(ids))
	for _, id := range sortedUnique(ids) {
		a, err := scanAccount(t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, paycode.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, classifyPgError(err)
		}
		out[id] = a
	}
	return out, nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `UPDATE accounts SET balance = balance + $2 WHERE id = $1 RETURNING balance`, id, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, paycode.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, classifyPgError(err)
	}
	return balance, nil
}

func (t *pgTx) Business(ctx context.Context, id int64) (paycode.Business, error) {
	var b paycode.Business
	err := t.tx.QueryRowContext(ctx, `SELECT id, owner_account_id, name, legal_name, active FROM businesses WHERE id = $1`, id).
		Scan(&b.ID, &b.OwnerAccountID, &b.Name, &b.LegalName, &b.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return paycode.Business{}, paycode.ErrNotFound
	}
	return b, err
}

func (t *pgTx) IsBusinessStaff(ctx context.Context, businessID, accountID int64) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM business_staff WHERE business_id = $1 AND account_id = $2)`, businessID, accountID).Scan(&ok)
	if err != nil {
		return false, classifyPgError(err)
	}
	return ok, nil
}

func (t *pgTx) InsertCode(ctx context.Context, pc paycode.PaymentCode) error {
	const q = `
INSERT INTO payment_codes (id, code, receiver_account_id, issuer_account_id, business_id, amount, description, state, created_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := t.tx.ExecContext(ctx, q, pc.ID, pc.Code, pc.ReceiverAccountID, toNullInt64(pc.IssuerAccountID), toNullInt64(pc.BusinessID),
		pc.Amount, pc.Description, string(pc.State), pc.CreatedAt, pc.ExpiresAt)
	return classifyPgError(err)
}

func (t *pgTx) ExpireCode(ctx context.Context, code string, now time.Time) (int64, error) {
	const q = `UPDATE payment_codes SET state = 'expired' WHERE code = $1 AND state = 'active' AND expires_at <= $2`
	res, err := t.tx.ExecContext(ctx, q, code, now)
	if err != nil {
		return 0, classifyPgError(err)
	}
	return res.RowsAffected()
}

func (t *pgTx) FindActiveCode(ctx context.Context, code string, now time.Time, lock bool) (paycode.PaymentCode, error) {
	q := `SELECT ` + codeColumns + ` FROM payment_codes WHERE code = $1 AND state = 'active' AND expires_at > $2`
	if lock {
		q += ` FOR UPDATE`
	}
	pc, err := scanCode(t.tx.QueryRowContext(ctx, q, code, now))
	if err != nil && !errors.Is(err, paycode.ErrNotFound) {
		return paycode.PaymentCode{}, classifyPgError(err)
	}
	return pc, err
}

func (t *pgTx) CodeByID(ctx context.Context, id uuid.UUID, lock bool) (paycode.PaymentCode, error) {
	q := `SELECT ` + codeColumns + ` FROM payment_codes WHERE id = $1`
	if lock {
		q += ` FOR UPDATE`
	}
	pc, err := scanCode(t.tx.QueryRowContext(ctx, q, id))
	if err != nil && !errors.Is(err, paycode.ErrNotFound) {
		return paycode.PaymentCode{}, classifyPgError(err)
	}
	return pc, err
}

func (t *pgTx) MarkCodeUsed(ctx context.Context, id uuid.UUID, payerID int64, usedAt time.Time) (paycode.PaymentCode, error) {
	const q = `
UPDATE payment_codes
SET state = 'used', payer_account_id = $2, used_at = $3
WHERE id = $1 AND state = 'active'
RETURNING ` + codeColumns
	pc, err := scanCode(t.tx.QueryRowContext(ctx, q, id, payerID, usedAt))
	if errors.Is(err, paycode.ErrNotFound) {
		return paycode.PaymentCode{}, paycode.ErrStateConflict
	}
	if err != nil {
		return paycode.PaymentCode{}, classifyPgError(err)
	}
	return pc, nil
}

func (t *pgTx) CancelCode(ctx context.Context, id uuid.UUID, now time.Time) (paycode.PaymentCode, error) {
	const q = `
UPDATE payment_codes
SET state = 'cancelled', cancelled_at = $2
WHERE id = $1 AND state = 'active'
RETURNING ` + codeColumns
	pc, err := scanCode(t.tx.QueryRowContext(ctx, q, id, now))
	if errors.Is(err, paycode.ErrNotFound) {
		return paycode.PaymentCode{}, paycode.ErrStateConflict
	}
	if err != nil {
		return paycode.PaymentCode{}, classifyPgError(err)
	}
	return pc, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, trx paycode.Transaction) error {
	const q = `
INSERT INTO transactions (id, reference, payment_code_id, payer_account_id, receiver_account_id, business_id, amount, description, payer_balance_before, payer_balance_after, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err := t.tx.ExecContext(ctx, q, trx.ID, trx.Reference, trx.PaymentCodeID, trx.PayerAccountID, trx.ReceiverAccountID,
		toNullInt64(trx.BusinessID), trx.Amount, trx.Description, trx.PayerBalanceBefore, trx.PayerBalanceAfter, trx.CreatedAt)
	return classifyPgError(err)
}

// AppendAttempt links rec onto the chain tip. The advisory lock is held until
// the surrounding transaction ends, so appends are totally ordered.
func (t *pgTx) AppendAttempt(ctx context.Context, rec paycode.AttemptRecord) (paycode.AttemptRecord, error) {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, attemptLockKey); err != nil {
		return paycode.AttemptRecord{}, classifyPgError(err)
	}
	prev := audit.Genesis
	err := t.tx.QueryRowContext(ctx, `SELECT hash_curr FROM payment_attempts ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return paycode.AttemptRecord{}, classifyPgError(err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	rec.HashPrev = prev
	rec.HashCurr = audit.ComputeHash(prev, paycode.AttemptEntry(rec))
	const q = `
INSERT INTO payment_attempts (id, code, account_id, outcome, message, created_at, hash_prev, hash_curr)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	if _, err := t.tx.ExecContext(ctx, q, rec.ID, rec.Code, rec.AccountID, string(rec.Outcome), rec.Message, rec.CreatedAt, rec.HashPrev, rec.HashCurr); err != nil {
		return paycode.AttemptRecord{}, classifyPgError(err)
	}
	return rec, nil
}
