package paycode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/clock"
)

const (
	DefaultCodeTTL       = 3 * time.Minute
	DefaultMaxCodeTTL    = time.Hour
	MaxDescriptionLength = 255
	defaultListLimit     = 50
	maxListLimit         = 500
	defaultAmountCeiling = "10000.00"
	amountFractionDigits = 2
)

type RegistryConfig struct {
	CodeDigits    int
	MaxAttempts   int
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	AmountCeiling decimal.Decimal
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		CodeDigits:    DefaultCodeDigits,
		MaxAttempts:   DefaultCodeMaxAttempts,
		DefaultTTL:    DefaultCodeTTL,
		MaxTTL:        DefaultMaxCodeTTL,
		AmountCeiling: decimal.RequireFromString(defaultAmountCeiling),
	}
}

// CreateRequest names the receiver either directly (IssuerAccountID, the
// person generating the code) or through a business, or both.
type CreateRequest struct {
	IssuerAccountID *int64
	BusinessID      *int64
	Amount          decimal.Decimal
	Description     string
	TTL             time.Duration
}

// CodeRegistry owns payment code records and their state transitions.
type CodeRegistry struct {
	Clock    clock.Clock
	Observer Observer
	Logger   *slog.Logger

	store Store
	gen   *CodeGenerator
	cfg   RegistryConfig
}

func NewCodeRegistry(clk clock.Clock, store Store, cfg RegistryConfig) *CodeRegistry {
	def := DefaultRegistryConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	if cfg.DefaultTTL > cfg.MaxTTL {
		cfg.DefaultTTL = cfg.MaxTTL
	}
	if !cfg.AmountCeiling.IsPositive() {
		cfg.AmountCeiling = def.AmountCeiling
	}
	return &CodeRegistry{
		Clock: clk,
		store: store,
		gen:   NewCodeGenerator(cfg.CodeDigits, cfg.MaxAttempts),
		cfg:   cfg,
	}
}

func (r *CodeRegistry) now() time.Time {
	if r.Clock == nil {
		return time.Now().UTC()
	}
	return r.Clock.Now().UTC()
}

func (r *CodeRegistry) observer() Observer { return observerOrNop(r.Observer) }

func (r *CodeRegistry) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *CodeRegistry) Generator() *CodeGenerator { return r.gen }

func (r *CodeRegistry) Config() RegistryConfig { return r.cfg }

func (r *CodeRegistry) validateCreate(req *CreateRequest) error {
	amount := req.Amount
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	if amount.GreaterThan(r.cfg.AmountCeiling) {
		return fmt.Errorf("%w: amount exceeds %s", ErrInvalidAmount, r.cfg.AmountCeiling.StringFixed(amountFractionDigits))
	}
	if !amount.Equal(amount.Round(amountFractionDigits)) {
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, amountFractionDigits)
	}
	req.Description = strings.TrimSpace(req.Description)
	if utf8.RuneCountInString(req.Description) > MaxDescriptionLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidDescription, MaxDescriptionLength)
	}
	if req.TTL == 0 {
		req.TTL = r.cfg.DefaultTTL
	}
	if req.TTL < time.Second || req.TTL > r.cfg.MaxTTL {
		return fmt.Errorf("%w: must be between 1s and %s", ErrInvalidTTL, r.cfg.MaxTTL)
	}
	if req.IssuerAccountID == nil && req.BusinessID == nil {
		return fmt.Errorf("%w: no issuer or business given", ErrReceiverNotFound)
	}
	return nil
}

// ResolveReceiver picks the account credited when the code is redeemed. The
// explicit issuer wins over the business owner's default account since several
// staff may collect on behalf of one business. An issuer naming a business
// must be its owner or registered staff.
func ResolveReceiver(ctx context.Context, tx Tx, issuerID, businessID *int64) (Account, *Business, error) {
	var biz *Business
	if businessID != nil {
		b, err := tx.Business(ctx, *businessID)
		if errors.Is(err, ErrNotFound) {
			return Account{}, nil, fmt.Errorf("%w: business %d", ErrReceiverNotFound, *businessID)
		}
		if err != nil {
			return Account{}, nil, unexpected(err)
		}
		if !b.Active {
			return Account{}, nil, fmt.Errorf("%w: business %d", ErrReceiverInactive, b.ID)
		}
		if issuerID != nil && *issuerID != b.OwnerAccountID {
			ok, err := tx.IsBusinessStaff(ctx, b.ID, *issuerID)
			if err != nil {
				return Account{}, nil, unexpected(err)
			}
			if !ok {
				return Account{}, nil, fmt.Errorf("%w: account %d, business %d", ErrNotBusinessMember, *issuerID, b.ID)
			}
		}
		biz = &b
	}
	var receiverID int64
	switch {
	case issuerID != nil:
		receiverID = *issuerID
	case biz != nil:
		receiverID = biz.OwnerAccountID
	default:
		return Account{}, nil, ErrReceiverNotFound
	}
	acct, err := tx.Account(ctx, receiverID)
	if errors.Is(err, ErrNotFound) {
		return Account{}, nil, fmt.Errorf("%w: account %d", ErrReceiverNotFound, receiverID)
	}
	if err != nil {
		return Account{}, nil, unexpected(err)
	}
	if !acct.Active {
		return Account{}, nil, fmt.Errorf("%w: account %d", ErrReceiverInactive, receiverID)
	}
	return acct, biz, nil
}

// Create validates req, draws a code and inserts it ACTIVE. Every generation
// attempt runs in its own transaction so a collision never poisons the next.
func (r *CodeRegistry) Create(ctx context.Context, req CreateRequest) (PaymentCode, error) {
	if err := r.validateCreate(&req); err != nil {
		return PaymentCode{}, err
	}
	var created PaymentCode
	claim := func(ctx context.Context, code string) error {
		err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			receiver, biz, err := ResolveReceiver(ctx, tx, req.IssuerAccountID, req.BusinessID)
			if err != nil {
				return err
			}
			now := r.now()
			// A stale ACTIVE row past its expiry would otherwise block reuse.
			if _, err := tx.ExpireCode(ctx, code, now); err != nil {
				return unexpected(err)
			}
			pc := PaymentCode{
				ID:                uuid.New(),
				Code:              code,
				ReceiverAccountID: receiver.ID,
				IssuerAccountID:   req.IssuerAccountID,
				Amount:            req.Amount,
				Description:       req.Description,
				State:             StateActive,
				CreatedAt:         now,
				ExpiresAt:         now.Add(req.TTL),
			}
			if biz != nil {
				id := biz.ID
				pc.BusinessID = &id
			}
			if err := tx.InsertCode(ctx, pc); err != nil {
				if errors.Is(err, ErrDuplicateCode) {
					return err
				}
				return unexpected(err)
			}
			created = pc
			return nil
		})
		if errors.Is(err, ErrDuplicateCode) {
			r.observer().ObserveCodeCollision()
		}
		return err
	}
	if _, err := r.gen.Generate(ctx, claim); err != nil {
		if errors.Is(err, ErrCodeSpaceExhausted) {
			r.observer().ObserveCodeSpaceExhausted()
			r.logger().Error("payment code space exhausted", "digits", r.gen.Digits())
		}
		if Classify(err) == ErrUnexpected {
			return PaymentCode{}, unexpected(err)
		}
		return PaymentCode{}, err
	}
	r.observer().ObserveCodeCreated()
	return created, nil
}

// LookupActiveForRedemption lazily expires a stale row for code and then
// returns the ACTIVE record under an exclusive row lock held by tx.
func (r *CodeRegistry) LookupActiveForRedemption(ctx context.Context, tx Tx, code string) (PaymentCode, error) {
	if !r.gen.IsWellFormed(code) {
		return PaymentCode{}, ErrCodeInvalidOrExpired
	}
	now := r.now()
	if _, err := tx.ExpireCode(ctx, code, now); err != nil {
		return PaymentCode{}, unexpected(err)
	}
	pc, err := tx.FindActiveCode(ctx, code, now, true)
	if errors.Is(err, ErrNotFound) {
		return PaymentCode{}, ErrCodeInvalidOrExpired
	}
	if err != nil {
		return PaymentCode{}, unexpected(err)
	}
	return pc, nil
}

// persistExpiry commits the lazy EXPIRED transition for code in its own
// transaction. Redeem calls it after a rollback that would otherwise discard it.
func (r *CodeRegistry) persistExpiry(ctx context.Context, code string) (int64, error) {
	if !r.gen.IsWellFormed(code) {
		return 0, nil
	}
	var n int64
	err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.ExpireCode(ctx, code, r.now())
		return err
	})
	if err != nil {
		return 0, unexpected(err)
	}
	return n, nil
}

// Validate is the unlocked pre-check shown to a payer before they confirm.
// Its answer can be stale by the time Redeem runs.
func (r *CodeRegistry) Validate(ctx context.Context, code string) (CodeView, error) {
	if !r.gen.IsWellFormed(code) {
		return CodeView{}, ErrCodeInvalidOrExpired
	}
	var (
		view  CodeView
		found bool
	)
	err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		now := r.now()
		if _, err := tx.ExpireCode(ctx, code, now); err != nil {
			return err
		}
		pc, err := tx.FindActiveCode(ctx, code, now, false)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		recv, err := describeReceiver(ctx, tx, pc, nil)
		if err != nil {
			return err
		}
		view = CodeView{Code: pc, Receiver: recv, SecondsRemaining: pc.SecondsRemaining(now)}
		found = true
		return nil
	})
	if err != nil {
		return CodeView{}, unexpected(err)
	}
	if !found {
		return CodeView{}, ErrCodeInvalidOrExpired
	}
	return view, nil
}

func (r *CodeRegistry) Get(ctx context.Context, id uuid.UUID) (PaymentCode, error) {
	var pc PaymentCode
	err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		pc, err = tx.CodeByID(ctx, id, false)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return PaymentCode{}, ErrNotFound
	}
	if err != nil {
		return PaymentCode{}, unexpected(err)
	}
	return pc, nil
}

// MarkUsed is the single-use enforcement point. It must run inside the same
// transaction that locked the row in LookupActiveForRedemption.
func (r *CodeRegistry) MarkUsed(ctx context.Context, tx Tx, codeID uuid.UUID, payerID int64) (PaymentCode, error) {
	pc, err := tx.MarkCodeUsed(ctx, codeID, payerID, r.now())
	if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrNotFound) {
		return PaymentCode{}, ErrAlreadyUsedOrInactive
	}
	if err != nil {
		return PaymentCode{}, unexpected(err)
	}
	return pc, nil
}

// Cancel moves an ACTIVE code to CANCELLED. Terminal or expired codes report
// ErrNotFoundOrInactive and are left as they are.
func (r *CodeRegistry) Cancel(ctx context.Context, codeID uuid.UUID) (PaymentCode, error) {
	var (
		out      PaymentCode
		inactive bool
	)
	err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		now := r.now()
		pc, err := tx.CodeByID(ctx, codeID, true)
		if errors.Is(err, ErrNotFound) {
			inactive = true
			return nil
		}
		if err != nil {
			return err
		}
		if pc.State != StateActive {
			inactive = true
			return nil
		}
		if !pc.ExpiresAt.After(now) {
			inactive = true
			_, err := tx.ExpireCode(ctx, pc.Code, now)
			return err
		}
		out, err = tx.CancelCode(ctx, codeID, now)
		if errors.Is(err, ErrStateConflict) {
			inactive = true
			return nil
		}
		return err
	})
	if err != nil {
		return PaymentCode{}, unexpected(err)
	}
	if inactive {
		return PaymentCode{}, ErrNotFoundOrInactive
	}
	return out, nil
}

// Business loads a business record for authorisation checks at the edge.
func (r *CodeRegistry) Business(ctx context.Context, id int64) (Business, error) {
	var biz Business
	err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		biz, err = tx.Business(ctx, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Business{}, ErrNotFound
	}
	if err != nil {
		return Business{}, unexpected(err)
	}
	return biz, nil
}

func (r *CodeRegistry) ListByBusiness(ctx context.Context, businessID int64, state State, limit int) ([]PaymentCode, error) {
	codes, err := r.store.CodesByBusiness(ctx, businessID, state, clampLimit(limit))
	if err != nil {
		return nil, unexpected(err)
	}
	return codes, nil
}

func (r *CodeRegistry) Stats(ctx context.Context, businessID int64) (CodeStats, error) {
	st, err := r.store.CodeStats(ctx, businessID)
	if err != nil {
		return CodeStats{}, unexpected(err)
	}
	return st, nil
}

// ExpireStale expires at most batch overdue ACTIVE codes.
func (r *CodeRegistry) ExpireStale(ctx context.Context, batch int) (int64, error) {
	n, err := r.store.ExpireCodes(ctx, r.now(), batch)
	if err != nil {
		return 0, unexpected(err)
	}
	return n, nil
}

// describeReceiver builds the payer-facing view of who a code pays. acct may
// be nil when the caller has not already loaded the receiver.
func describeReceiver(ctx context.Context, tx Tx, pc PaymentCode, acct *Account) (Receiver, error) {
	if acct == nil {
		a, err := tx.Account(ctx, pc.ReceiverAccountID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Receiver{}, err
		}
		acct = &a
	}
	out := Receiver{AccountID: pc.ReceiverAccountID, DisplayName: acct.DisplayName}
	if pc.BusinessID != nil {
		b, err := tx.Business(ctx, *pc.BusinessID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Receiver{}, err
		}
		out.BusinessName = b.Name
		out.LegalName = b.LegalName
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
