package paycode

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the durable backing for codes, balances, transactions and attempts.
// Implementations live in the ledger package.
type Store interface {
	// InTx runs fn inside one storage transaction. Any error returned by fn
	// rolls back every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// AppendAttempt commits rec in its own transaction, independent of any
	// InTx call that may be rolling back.
	AppendAttempt(ctx context.Context, rec AttemptRecord) (AttemptRecord, error)

	Account(ctx context.Context, id int64) (Account, error)
	Attempts(ctx context.Context, filter AttemptFilter) ([]AttemptRecord, error)
	CodesByBusiness(ctx context.Context, businessID int64, state State, limit int) ([]PaymentCode, error)
	CodeStats(ctx context.Context, businessID int64) (CodeStats, error)
	CountCodesByState(ctx context.Context) (map[State]int64, error)
	TransactionsByPayer(ctx context.Context, payerID int64, limit int) ([]Transaction, error)
	TransactionByID(ctx context.Context, id uuid.UUID) (Transaction, error)
	// ExpireCodes moves at most limit ACTIVE codes with expires_at <= now to
	// EXPIRED and reports how many rows changed.
	ExpireCodes(ctx context.Context, now time.Time, limit int) (int64, error)
}

// Tx is the transactional view handed to InTx callbacks.
type Tx interface {
	Account(ctx context.Context, id int64) (Account, error)
	// LockAccounts takes exclusive locks in ascending id order.
	LockAccounts(ctx context.Context, ids ...int64) (map[int64]Account, error)
	// AdjustBalance adds delta to the account and returns the new balance.
	AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error)
	Business(ctx context.Context, id int64) (Business, error)
	IsBusinessStaff(ctx context.Context, businessID, accountID int64) (bool, error)

	InsertCode(ctx context.Context, code PaymentCode) error
	ExpireCode(ctx context.Context, code string, now time.Time) (int64, error)
	FindActiveCode(ctx context.Context, code string, now time.Time, lock bool) (PaymentCode, error)
	CodeByID(ctx context.Context, id uuid.UUID, lock bool) (PaymentCode, error)
	// MarkCodeUsed and CancelCode only touch ACTIVE rows and return
	// ErrStateConflict otherwise.
	MarkCodeUsed(ctx context.Context, id uuid.UUID, payerID int64, usedAt time.Time) (PaymentCode, error)
	CancelCode(ctx context.Context, id uuid.UUID, now time.Time) (PaymentCode, error)

	InsertTransaction(ctx context.Context, trx Transaction) error
	AppendAttempt(ctx context.Context, rec AttemptRecord) (AttemptRecord, error)
}
