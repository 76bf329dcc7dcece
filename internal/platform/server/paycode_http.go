package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

const (
	maxRequestBody      = 16 << 10
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// PaymentCodeService exposes the registry and settlement engine over REST
// (RegisterGateway) and gRPC (PaymentCodeGRPC). Every handler expects the
// JWT middleware to have placed an actor on the request context.
type PaymentCodeService struct {
	Clock    clock.Clock
	Registry *paycode.CodeRegistry
	Engine   *paycode.SettlementEngine
	Sweeper  *paycode.Sweeper
	Metrics  *Metrics
	Logger   *slog.Logger

	// States is refreshed into the per-state gauges after an admin sweep.
	States StateCounter
}

func (s *PaymentCodeService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *PaymentCodeService) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *PaymentCodeService) RegisterGateway(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/codes", s.handleCreateCode},
		{http.MethodGet, "/v1/codes/{code}", s.handleValidateCode},
		{http.MethodPost, "/v1/codes/{code_id}/cancel", s.handleCancelCode},
		{http.MethodPost, "/v1/redemptions", s.handleRedeem},
		{http.MethodGet, "/v1/businesses/{business_id}/codes", s.handleListBusinessCodes},
		{http.MethodGet, "/v1/businesses/{business_id}/stats", s.handleBusinessStats},
		{http.MethodGet, "/v1/transactions", s.handleListTransactions},
		{http.MethodGet, "/v1/transactions/{transaction_id}", s.handleGetTransaction},
		{http.MethodGet, "/v1/accounts/me/balance", s.handleBalance},
		{http.MethodPost, "/v1/admin/sweep", s.handleAdminSweep},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

type receiverView struct {
	AccountID    int64  `json:"account_id"`
	DisplayName  string `json:"display_name"`
	BusinessName string `json:"business_name,omitempty"`
	LegalName    string `json:"legal_name,omitempty"`
}

type codeView struct {
	ID                string        `json:"id"`
	Code              string        `json:"code"`
	Amount            string        `json:"amount"`
	Description       string        `json:"description"`
	State             string        `json:"state"`
	ReceiverAccountID int64         `json:"receiver_account_id"`
	BusinessID        *int64        `json:"business_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	SecondsRemaining  int64         `json:"seconds_remaining"`
	Receiver          *receiverView `json:"receiver,omitempty"`
}

type transactionView struct {
	ID                 string    `json:"id"`
	Reference          string    `json:"reference"`
	PaymentCodeID      string    `json:"payment_code_id"`
	PayerAccountID     int64     `json:"payer_account_id"`
	ReceiverAccountID  int64     `json:"receiver_account_id"`
	BusinessID         *int64    `json:"business_id,omitempty"`
	Amount             string    `json:"amount"`
	Description        string    `json:"description"`
	PayerBalanceBefore string    `json:"payer_balance_before"`
	PayerBalanceAfter  string    `json:"payer_balance_after"`
	CreatedAt          time.Time `json:"created_at"`
}

type receiptView struct {
	Transaction       transactionView `json:"transaction"`
	PayerBalanceAfter string          `json:"payer_balance_after"`
	Receiver          receiverView    `json:"receiver"`
}

type statsView struct {
	BusinessID       int64  `json:"business_id"`
	Active           int64  `json:"active"`
	Used             int64  `json:"used"`
	Expired          int64  `json:"expired"`
	Cancelled        int64  `json:"cancelled"`
	Total            int64  `json:"total"`
	CollectedTotal   string `json:"collected_total"`
	CollectedAverage string `json:"collected_average"`
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func toReceiverView(r paycode.Receiver) receiverView {
	return receiverView{AccountID: r.AccountID, DisplayName: r.DisplayName, BusinessName: r.BusinessName, LegalName: r.LegalName}
}

func toCodeView(pc paycode.PaymentCode, now time.Time) codeView {
	return codeView{
		ID:                pc.ID.String(),
		Code:              pc.Code,
		Amount:            money(pc.Amount),
		Description:       pc.Description,
		State:             string(pc.State),
		ReceiverAccountID: pc.ReceiverAccountID,
		BusinessID:        pc.BusinessID,
		CreatedAt:         pc.CreatedAt,
		ExpiresAt:         pc.ExpiresAt,
		SecondsRemaining:  pc.SecondsRemaining(now),
	}
}

func toTransactionView(t paycode.Transaction) transactionView {
	return transactionView{
		ID:                 t.ID.String(),
		Reference:          t.Reference,
		PaymentCodeID:      t.PaymentCodeID.String(),
		PayerAccountID:     t.PayerAccountID,
		ReceiverAccountID:  t.ReceiverAccountID,
		BusinessID:         t.BusinessID,
		Amount:             money(t.Amount),
		Description:        t.Description,
		PayerBalanceBefore: money(t.PayerBalanceBefore),
		PayerBalanceAfter:  money(t.PayerBalanceAfter),
		CreatedAt:          t.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *PaymentCodeService) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status == http.StatusServiceUnavailable {
		if paycode.Retryable(err) {
			w.Header().Set("Retry-After", "1")
		}
		s.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
	}
	return n, nil
}

func parseInt64Param(params map[string]string, name string) (int64, error) {
	v, err := strconv.ParseInt(params[name], 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", errBadRequest, name)
	}
	return v, nil
}

func parseUUIDParam(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a uuid", errBadRequest, name)
	}
	return id, nil
}

type createCodeRequest struct {
	BusinessID  *int64          `json:"business_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	TTLSeconds  int64           `json:"ttl_seconds"`
}

func (s *PaymentCodeService) handleCreateCode(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, err := resolveActor(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createCodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TTLSeconds < 0 {
		s.writeError(w, r, fmt.Errorf("%w: ttl_seconds must not be negative", paycode.ErrInvalidTTL))
		return
	}
	issuer := actor.AccountID
	pc, err := s.Registry.Create(r.Context(), paycode.CreateRequest{
		IssuerAccountID: &issuer,
		BusinessID:      req.BusinessID,
		Amount:          req.Amount,
		Description:     req.Description,
		TTL:             time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCodeView(pc, s.now()))
}

func (s *PaymentCodeService) handleValidateCode(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if _, err := resolveActor(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.Registry.Validate(r.Context(), params["code"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := toCodeView(view.Code, s.now())
	out.SecondsRemaining = view.SecondsRemaining
	recv := toReceiverView(view.Receiver)
	out.Receiver = &recv
	writeJSON(w, http.StatusOK, out)
}

func (s *PaymentCodeService) handleCancelCode(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, err := resolveActor(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := parseUUIDParam(params, "code_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pc, err := s.Registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, paycode.ErrNotFound) {
			err = paycode.ErrNotFoundOrInactive
		}
		s.writeError(w, r, err)
		return
	}
	if !canManageCode(actor, pc) {
		s.writeError(w, r, errForbidden)
		return
	}
	cancelled, err := s.Registry.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCodeView(cancelled, s.now()))
}

type redeemRequest struct {
	Code string `json:"code"`
	Pin  string `json:"pin"`
}

func (s *PaymentCodeService) handleRedeem(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, err := resolveActor(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req redeemRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	receipt, err := s.Engine.Redeem(r.Context(), req.Code, actor.AccountID, req.Pin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptView{
		Transaction:       toTransactionView(receipt.Transaction),
		PayerBalanceAfter: money(receipt.PayerBalanceAfter),
		Receiver:          toReceiverView(receipt.Receiver),
	})
}

func (s *PaymentCodeService) authorizeBusiness(r *http.Request, params map[string]string) (int64, error) {
	actor, err := resolveActor(r.Context())
	if err != nil {
		return 0, err
	}
	id, err := parseInt64Param(params, "business_id")
	if err != nil {
		return 0, err
	}
	biz, err := s.Registry.Business(r.Context(), id)
	if err != nil {
		return 0, err
	}
	if !canViewBusiness(actor, biz) {
		return 0, errForbidden
	}
	return id, nil
}

func (s *PaymentCodeService) handleListBusinessCodes(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := s.authorizeBusiness(r, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state := paycode.State(r.URL.Query().Get("state"))
	switch state {
	case "", paycode.StateActive, paycode.StateUsed, paycode.StateExpired, paycode.StateCancelled:
	default:
		s.writeError(w, r, fmt.Errorf("%w: unknown state %q", errBadRequest, state))
		return
	}
	codes, err := s.Registry.ListByBusiness(r.Context(), id, state, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := s.now()
	out := make([]codeView, 0, len(codes))
	for _, pc := range codes {
		out = append(out, toCodeView(pc, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"codes": out})
}

func (s *PaymentCodeService) handleBusinessStats(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := s.authorizeBusiness(r, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.Registry.Stats(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsView{
		BusinessID:       id,
		Active:           st.Active,
		Used:             st.Used,
		Expired:          st.Expired,
		Cancelled:        st.Cancelled,
		Total:            st.Total,
		CollectedTotal:   money(st.CollectedTotal),
		CollectedAverage: money(st.CollectedAverage),
	})
}

func (s *PaymentCodeService) handleListTransactions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, err := resolveActor(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	trxs, err := s.Engine.History(r.Context(), actor.AccountID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]transactionView, 0, len(trxs))
	for _, t := range trxs {
		out = append(out, toTransactionView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func (s *PaymentCodeService) handleGetTransaction(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, err := resolveActor(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := parseUUIDParam(params, "transaction_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trx, err := s.Engine.Transaction(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Strangers get the same answer as a missing id.
	if !canViewTransaction(actor, trx) {
		s.writeError(w, r, paycode.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionView(trx))
}

func (s *PaymentCodeService) handleBalance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, err := resolveActor(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.Engine.Balance(r.Context(), actor.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": actor.AccountID, "balance": money(bal)})
}

func (s *PaymentCodeService) handleAdminSweep(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, err := resolveActor(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !actor.IsAdmin() {
		s.writeError(w, r, errForbidden)
		return
	}
	expired, err := s.Sweeper.RunOnce(r.Context())
	s.Metrics.ObserveSweep(expired, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Metrics.RefreshCodeCounts(r.Context(), s.States)
	s.logger().Info("admin sweep completed", "account_id", actor.AccountID, "expired", expired)
	writeJSON(w, http.StatusOK, map[string]any{"expired": expired})
}
