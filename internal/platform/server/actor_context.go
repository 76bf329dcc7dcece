package server

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

var (
	errUnauthenticated = errors.New("actor is required")
	errForbidden       = errors.New("actor may not access this resource")
	errBadRequest      = errors.New("malformed request")
)

func resolveActor(ctx context.Context) (auth.Actor, error) {
	a, ok := auth.ActorFromContext(ctx)
	if !ok || a.AccountID <= 0 || a.Role == "" {
		return auth.Actor{}, errUnauthenticated
	}
	return a, nil
}

// canManageCode is true for the account the code pays, its issuer, and admins.
func canManageCode(a auth.Actor, pc paycode.PaymentCode) bool {
	if a.IsAdmin() || a.AccountID == pc.ReceiverAccountID {
		return true
	}
	return pc.IssuerAccountID != nil && *pc.IssuerAccountID == a.AccountID
}

func canViewTransaction(a auth.Actor, trx paycode.Transaction) bool {
	return a.IsAdmin() || a.AccountID == trx.PayerAccountID || a.AccountID == trx.ReceiverAccountID
}

func canViewBusiness(a auth.Actor, biz paycode.Business) bool {
	return a.IsAdmin() || a.AccountID == biz.OwnerAccountID
}

// statusFor maps an error onto an HTTP status and a caller-safe message.
// Validation errors keep their detail; everything else reports the sentinel.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, errUnauthenticated.Error()
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, errForbidden.Error()
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	}
	switch c := paycode.Classify(err); c {
	case paycode.ErrInvalidAmount, paycode.ErrInvalidTTL, paycode.ErrInvalidDescription:
		return http.StatusBadRequest, err.Error()
	case paycode.ErrInvalidCredential:
		return http.StatusUnauthorized, c.Error()
	case paycode.ErrAccountInactive, paycode.ErrReceiverInactive, paycode.ErrNotBusinessMember:
		return http.StatusForbidden, c.Error()
	case paycode.ErrCodeInvalidOrExpired, paycode.ErrAccountNotFound, paycode.ErrReceiverNotFound,
		paycode.ErrNotFoundOrInactive, paycode.ErrNotFound:
		return http.StatusNotFound, c.Error()
	case paycode.ErrInsufficientBalance:
		return http.StatusUnprocessableEntity, c.Error()
	case paycode.ErrCodeSpaceExhausted:
		return http.StatusServiceUnavailable, c.Error()
	default:
		return http.StatusServiceUnavailable, paycode.ErrUnexpected.Error()
	}
}

func grpcCodeFor(err error) codes.Code {
	if errors.Is(paycode.Classify(err), paycode.ErrCodeSpaceExhausted) {
		return codes.ResourceExhausted
	}
	st, _ := statusFor(err)
	return grpcCodeFromHTTPStatus(st)
}
