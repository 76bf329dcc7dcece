package paycode

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type State string

const (
	StateActive    State = "active"
	StateUsed      State = "used"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateUsed || s == StateExpired || s == StateCancelled
}

type Outcome string

const (
	OutcomeSuccess              Outcome = "SUCCESS"
	OutcomeInvalidPIN           Outcome = "INVALID_PIN"
	OutcomeInvalidOrExpiredCode Outcome = "INVALID_OR_EXPIRED_CODE"
	OutcomeInsufficientBalance  Outcome = "INSUFFICIENT_BALANCE"
	OutcomeInactiveAccount      Outcome = "INACTIVE_ACCOUNT"
	OutcomeError                Outcome = "ERROR"
)

// Account is owned by the identity subsystem; settlement only touches Balance.
type Account struct {
	ID          int64
	DisplayName string
	Balance     decimal.Decimal
	Active      bool
	PinHash     string
}

// Business is the registered merchant a code may be issued under.
type Business struct {
	ID             int64
	OwnerAccountID int64
	Name           string
	LegalName      string
	Active         bool
}

type PaymentCode struct {
	ID                uuid.UUID
	Code              string
	ReceiverAccountID int64
	IssuerAccountID   *int64
	BusinessID        *int64
	Amount            decimal.Decimal
	Description       string
	State             State
	CreatedAt         time.Time
	ExpiresAt         time.Time
	PayerAccountID    *int64
	UsedAt            *time.Time
	CancelledAt       *time.Time
}

// ActiveAt reports whether the code can still be redeemed at now.
func (c PaymentCode) ActiveAt(now time.Time) bool {
	return c.State == StateActive && c.ExpiresAt.After(now)
}

func (c PaymentCode) SecondsRemaining(now time.Time) int64 {
	if !c.ActiveAt(now) {
		return 0
	}
	return int64(c.ExpiresAt.Sub(now) / time.Second)
}

type Transaction struct {
	ID                 uuid.UUID
	Reference          string
	PaymentCodeID      uuid.UUID
	PayerAccountID     int64
	ReceiverAccountID  int64
	BusinessID         *int64
	Amount             decimal.Decimal
	Description        string
	PayerBalanceBefore decimal.Decimal
	PayerBalanceAfter  decimal.Decimal
	CreatedAt          time.Time
}

type AttemptRecord struct {
	ID        uuid.UUID
	Code      string
	AccountID int64
	Outcome   Outcome
	Message   string
	CreatedAt time.Time
	HashPrev  string
	HashCurr  string
}

type AttemptFilter struct {
	Code      string
	AccountID int64
	Limit     int
}

// Receiver is what the payer sees about who was paid.
type Receiver struct {
	AccountID    int64
	DisplayName  string
	BusinessName string
	LegalName    string
}

type Receipt struct {
	Transaction       Transaction
	PayerBalanceAfter decimal.Decimal
	Receiver          Receiver
}

// CodeView is the unlocked validation result shown before a payer confirms.
type CodeView struct {
	Code             PaymentCode
	Receiver         Receiver
	SecondsRemaining int64
}

type CodeStats struct {
	Active           int64
	Used             int64
	Expired          int64
	Cancelled        int64
	Total            int64
	CollectedTotal   decimal.Decimal
	CollectedAverage decimal.Decimal
}
