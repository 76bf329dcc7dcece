package paycode

import (
	"errors"
	"fmt"
)

// Classified errors returned to callers of the registry and settlement engine.
var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrAccountInactive       = errors.New("account inactive")
	ErrInvalidCredential     = errors.New("invalid pin")
	ErrCodeInvalidOrExpired  = errors.New("code invalid or expired")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrAlreadyUsedOrInactive = errors.New("code already used or inactive")
	ErrCodeSpaceExhausted    = errors.New("code space exhausted")
	ErrUnexpected            = errors.New("unexpected storage failure")

	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidTTL         = errors.New("invalid ttl")
	ErrInvalidDescription = errors.New("invalid description")
	ErrReceiverNotFound   = errors.New("receiver not found")
	ErrReceiverInactive   = errors.New("receiver inactive")
	ErrNotFoundOrInactive = errors.New("code not found or not active")
	ErrNotBusinessMember  = errors.New("issuer does not belong to business")
)

// Store-level sentinels. Implementations of Store and Tx must return these
// (possibly wrapped) so the core can tell business outcomes from failures.
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateCode = errors.New("active code already exists")
	ErrStateConflict = errors.New("code state changed concurrently")
)

var classified = []error{
	ErrUnexpected,
	ErrAccountNotFound,
	ErrAccountInactive,
	ErrInvalidCredential,
	ErrCodeInvalidOrExpired,
	ErrInsufficientBalance,
	ErrCodeSpaceExhausted,
	ErrInvalidAmount,
	ErrInvalidTTL,
	ErrInvalidDescription,
	ErrReceiverNotFound,
	ErrReceiverInactive,
	ErrNotFoundOrInactive,
	ErrNotBusinessMember,
	ErrNotFound,
}

// Classify returns the caller-facing sentinel for err. AlreadyUsedOrInactive
// folds into CodeInvalidOrExpired; anything unrecognised is Unexpected.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAlreadyUsedOrInactive) {
		return ErrCodeInvalidOrExpired
	}
	for _, c := range classified {
		if errors.Is(err, c) {
			return c
		}
	}
	return ErrUnexpected
}

// Retryable is true only for transient infrastructure failures.
func Retryable(err error) bool {
	return errors.Is(Classify(err), ErrUnexpected)
}

func unexpected(err error) error {
	if err == nil || errors.Is(err, ErrUnexpected) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnexpected, err)
}

func outcomeFor(err error) Outcome {
	switch Classify(err) {
	case nil:
		return OutcomeSuccess
	case ErrInvalidCredential:
		return OutcomeInvalidPIN
	case ErrCodeInvalidOrExpired:
		return OutcomeInvalidOrExpiredCode
	case ErrInsufficientBalance:
		return OutcomeInsufficientBalance
	case ErrAccountNotFound, ErrAccountInactive:
		return OutcomeInactiveAccount
	default:
		return OutcomeError
	}
}
