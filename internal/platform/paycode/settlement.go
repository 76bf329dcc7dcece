package paycode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/clock"
)

const defaultTransactionDescription = "Payment with code"

// CredentialVerifier checks a plaintext PIN against the stored hash.
type CredentialVerifier interface {
	VerifyPin(plain, hash string) bool
}

// SettlementEngine redeems payment codes. One Redeem call is one storage
// transaction: the code row is locked first, then both accounts in id order.
type SettlementEngine struct {
	Clock    clock.Clock
	Observer Observer
	Logger   *slog.Logger

	store    Store
	registry *CodeRegistry
	verifier CredentialVerifier
	attempts *AttemptLog
}

func NewSettlementEngine(clk clock.Clock, store Store, registry *CodeRegistry, verifier CredentialVerifier) *SettlementEngine {
	return &SettlementEngine{
		Clock:    clk,
		store:    store,
		registry: registry,
		verifier: verifier,
		attempts: NewAttemptLog(clk, store),
	}
}

func (e *SettlementEngine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock.Now().UTC()
}

func (e *SettlementEngine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *SettlementEngine) Attempts() *AttemptLog { return e.attempts }

// Redeem pays the amount bound to code from payerID to the code's receiver.
// Every call leaves exactly one attempt record. Failures are classified; see
// Classify. A failure attempt is committed separately after the rollback.
func (e *SettlementEngine) Redeem(ctx context.Context, code string, payerID int64, pin string) (Receipt, error) {
	started := time.Now()
	receipt, err := e.redeem(ctx, code, payerID, pin)
	outcome := outcomeFor(err)
	observerOrNop(e.Observer).ObserveRedemption(outcome, time.Since(started))
	if err == nil {
		e.logger().Info("payment code redeemed",
			"code", code, "account_id", payerID, "reference", receipt.Transaction.Reference, "amount", receipt.Transaction.Amount.StringFixed(2))
		return receipt, nil
	}

	// The caller may already be gone; the attempt must still land.
	if _, logErr := e.attempts.RecordFailure(context.WithoutCancel(ctx), code, payerID, outcome); logErr != nil {
		e.logger().Error("attempt log append failed", "code", code, "account_id", payerID, "outcome", outcome, "error", logErr)
	}
	if outcome == OutcomeError {
		e.logger().Error("redemption failed", "code", code, "account_id", payerID, "outcome", outcome, "error", err)
	} else {
		e.logger().Warn("redemption rejected", "code", code, "account_id", payerID, "outcome", outcome)
	}
	return Receipt{}, err
}

func (e *SettlementEngine) redeem(ctx context.Context, code string, payerID int64, pin string) (Receipt, error) {
	payer, err := e.store.Account(ctx, payerID)
	if errors.Is(err, ErrNotFound) {
		return Receipt{}, ErrAccountNotFound
	}
	if err != nil {
		return Receipt{}, unexpected(err)
	}
	if !payer.Active {
		return Receipt{}, ErrAccountInactive
	}
	if payer.PinHash == "" || e.verifier == nil || !e.verifier.VerifyPin(pin, payer.PinHash) {
		return Receipt{}, ErrInvalidCredential
	}

	var receipt Receipt
	err = e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		pc, err := e.registry.LookupActiveForRedemption(ctx, tx, code)
		if err != nil {
			return err
		}

		locked, err := tx.LockAccounts(ctx, payerID, pc.ReceiverAccountID)
		if err != nil {
			return unexpected(err)
		}
		payer, ok := locked[payerID]
		if !ok {
			return ErrAccountNotFound
		}
		if !payer.Active {
			return ErrAccountInactive
		}
		receiver, ok := locked[pc.ReceiverAccountID]
		if !ok {
			return fmt.Errorf("%w: %w", ErrCodeInvalidOrExpired, ErrReceiverNotFound)
		}
		if !receiver.Active {
			return fmt.Errorf("%w: %w", ErrCodeInvalidOrExpired, ErrReceiverInactive)
		}
		if payer.Balance.LessThan(pc.Amount) {
			return ErrInsufficientBalance
		}

		before := payer.Balance
		after, err := tx.AdjustBalance(ctx, payerID, pc.Amount.Neg())
		if err != nil {
			return unexpected(err)
		}
		credited, err := tx.AdjustBalance(ctx, pc.ReceiverAccountID, pc.Amount)
		if err != nil {
			return unexpected(err)
		}
		if pc.ReceiverAccountID == payerID {
			after = credited
		}

		if _, err := e.registry.MarkUsed(ctx, tx, pc.ID, payerID); err != nil {
			if errors.Is(err, ErrAlreadyUsedOrInactive) {
				return fmt.Errorf("%w: %w", ErrCodeInvalidOrExpired, err)
			}
			return err
		}

		now := e.now()
		ref, err := NewReference(now)
		if err != nil {
			return unexpected(err)
		}
		desc := pc.Description
		if desc == "" {
			desc = defaultTransactionDescription
		}
		trx := Transaction{
			ID:                 uuid.New(),
			Reference:          ref,
			PaymentCodeID:      pc.ID,
			PayerAccountID:     payerID,
			ReceiverAccountID:  pc.ReceiverAccountID,
			BusinessID:         pc.BusinessID,
			Amount:             pc.Amount,
			Description:        desc,
			PayerBalanceBefore: before,
			PayerBalanceAfter:  after,
			CreatedAt:          now,
		}
		if err := tx.InsertTransaction(ctx, trx); err != nil {
			return unexpected(err)
		}
		recv, err := describeReceiver(ctx, tx, pc, &receiver)
		if err != nil {
			return unexpected(err)
		}
		if _, err := e.attempts.RecordSuccess(ctx, tx, code, payerID); err != nil {
			return unexpected(err)
		}
		receipt = Receipt{Transaction: trx, PayerBalanceAfter: after, Receiver: recv}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCodeInvalidOrExpired) {
			if _, expErr := e.registry.persistExpiry(context.WithoutCancel(ctx), code); expErr != nil {
				e.logger().Warn("lazy expiry not persisted", "account_id", payerID, "error", expErr)
			}
		}
		if Classify(err) == ErrUnexpected {
			return Receipt{}, unexpected(err)
		}
		return Receipt{}, err
	}
	return receipt, nil
}

// History lists the payer's transactions, newest first.
func (e *SettlementEngine) History(ctx context.Context, payerID int64, limit int) ([]Transaction, error) {
	out, err := e.store.TransactionsByPayer(ctx, payerID, clampLimit(limit))
	if err != nil {
		return nil, unexpected(err)
	}
	return out, nil
}

func (e *SettlementEngine) Transaction(ctx context.Context, id uuid.UUID) (Transaction, error) {
	trx, err := e.store.TransactionByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, unexpected(err)
	}
	return trx, nil
}

func (e *SettlementEngine) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	acct, err := e.store.Account(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, unexpected(err)
	}
	return acct.Balance, nil
}

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewReference returns a transaction reference such as TRX20260302K7Q2M9XA.
func NewReference(now time.Time) (string, error) {
	buf := make([]byte, 8)
	size := big.NewInt(int64(len(referenceAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("draw reference: %w", err)
		}
		buf[i] = referenceAlphabet[n.Int64()]
	}
	return "TRX" + now.UTC().Format("20060102") + string(buf), nil
}
