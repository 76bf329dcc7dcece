package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

func TestRESTCreateValidateRedeemFlow(t *testing.T) {
	f := newServiceFixture(t)
	staff := f.token(t, staffID, auth.RoleBusiness)
	payer := f.token(t, payerID, auth.RoleCustomer)

	rec := f.do(t, http.MethodPost, "/v1/codes", staff, map[string]any{
		"business_id": businessID,
		"amount":      "15.50",
		"description": "Coffee and cake",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeInto[codeView](t, rec)
	require.Len(t, created.Code, paycode.DefaultCodeDigits)
	require.Equal(t, "15.50", created.Amount)
	require.Equal(t, "active", created.State)
	require.Equal(t, staffID, created.ReceiverAccountID)
	require.EqualValues(t, 180, created.SecondsRemaining)

	f.clk.Advance(30 * time.Second)
	rec = f.do(t, http.MethodGet, "/v1/codes/"+created.Code, payer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeInto[codeView](t, rec)
	require.EqualValues(t, 150, view.SecondsRemaining)
	require.NotNil(t, view.Receiver)
	require.Equal(t, "Cafe Norte", view.Receiver.BusinessName)
	require.Equal(t, "Carla Staff", view.Receiver.DisplayName)

	rec = f.do(t, http.MethodPost, "/v1/redemptions", payer, map[string]string{"code": created.Code, "pin": payerPin})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decodeInto[receiptView](t, rec)
	require.Equal(t, "84.50", receipt.PayerBalanceAfter)
	require.Equal(t, "100.00", receipt.Transaction.PayerBalanceBefore)
	require.True(t, strings.HasPrefix(receipt.Transaction.Reference, "TRX20260302"), receipt.Transaction.Reference)
	require.Equal(t, "Coffee and cake", receipt.Transaction.Description)

	rec = f.do(t, http.MethodGet, "/v1/accounts/me/balance", payer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "84.50", decodeInto[map[string]any](t, rec)["balance"])

	rec = f.do(t, http.MethodGet, "/v1/accounts/me/balance", staff, nil)
	require.Equal(t, "15.50", decodeInto[map[string]any](t, rec)["balance"])

	rec = f.do(t, http.MethodGet, "/v1/transactions", payer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeInto[map[string][]transactionView](t, rec)["transactions"]
	require.Len(t, history, 1)
	require.Equal(t, receipt.Transaction.ID, history[0].ID)

	detailPath := "/v1/transactions/" + receipt.Transaction.ID
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, detailPath, payer, nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, detailPath, staff, nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, detailPath, f.token(t, ownerID, auth.RoleBusiness), nil).Code)

	rec = f.do(t, http.MethodPost, "/v1/redemptions", payer, map[string]string{"code": created.Code, "pin": payerPin})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "code invalid or expired", decodeInto[map[string]string](t, rec)["error"])
}

func TestRESTRedeemErrorMapping(t *testing.T) {
	f := newServiceFixture(t)
	staff := f.token(t, staffID, auth.RoleBusiness)
	payer := f.token(t, payerID, auth.RoleCustomer)

	small := decodeInto[codeView](t, f.do(t, http.MethodPost, "/v1/codes", staff, map[string]any{"amount": "5.00"}))
	large := decodeInto[codeView](t, f.do(t, http.MethodPost, "/v1/codes", staff, map[string]any{"amount": "500.00"}))

	cases := []struct {
		name   string
		body   any
		status int
		msg    string
	}{
		{"wrong pin", map[string]string{"code": small.Code, "pin": "0000"}, http.StatusUnauthorized, "invalid pin"},
		{"insufficient balance", map[string]string{"code": large.Code, "pin": payerPin}, http.StatusUnprocessableEntity, "insufficient balance"},
		{"unknown code", map[string]string{"code": "000000", "pin": payerPin}, http.StatusNotFound, "code invalid or expired"},
		{"malformed code", map[string]string{"code": "12ab", "pin": payerPin}, http.StatusNotFound, "code invalid or expired"},
		{"malformed body", `{"code":`, http.StatusBadRequest, ""},
		{"unknown field", map[string]string{"code": small.Code, "pin": payerPin, "payer": "99"}, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/redemptions", payer, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.msg != "" {
				require.Equal(t, tc.msg, decodeInto[map[string]string](t, rec)["error"])
			}
		})
	}

	// The small code survived the wrong PIN.
	rec := f.do(t, http.MethodGet, "/v1/codes/"+small.Code, payer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRESTCreateValidation(t *testing.T) {
	f := newServiceFixture(t)
	staff := f.token(t, staffID, auth.RoleBusiness)
	outsider := f.token(t, payerID, auth.RoleCustomer)

	cases := []struct {
		name   string
		token  string
		body   any
		status int
	}{
		{"no token", "", map[string]any{"amount": "1.00"}, http.StatusUnauthorized},
		{"zero amount", staff, map[string]any{"amount": "0"}, http.StatusBadRequest},
		{"three decimals", staff, map[string]any{"amount": "1.005"}, http.StatusBadRequest},
		{"ttl above max", staff, map[string]any{"amount": "1.00", "ttl_seconds": 7200}, http.StatusBadRequest},
		{"negative ttl", staff, map[string]any{"amount": "1.00", "ttl_seconds": -5}, http.StatusBadRequest},
		{"long description", staff, map[string]any{"amount": "1.00", "description": strings.Repeat("x", 256)}, http.StatusBadRequest},
		{"unknown business", staff, map[string]any{"amount": "1.00", "business_id": 404}, http.StatusNotFound},
		{"business of someone else", outsider, map[string]any{"amount": "1.00", "business_id": businessID}, http.StatusForbidden},
		{"numeric amount", staff, map[string]any{"amount": 12.25}, http.StatusCreated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/codes", tc.token, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestRESTCancelAuthorization(t *testing.T) {
	f := newServiceFixture(t)
	staff := f.token(t, staffID, auth.RoleBusiness)
	payer := f.token(t, payerID, auth.RoleCustomer)

	created := decodeInto[codeView](t, f.do(t, http.MethodPost, "/v1/codes", staff, map[string]any{"amount": "3.00"}))
	path := "/v1/codes/" + created.ID + "/cancel"

	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, path, payer, nil).Code)

	rec := f.do(t, http.MethodPost, path, staff, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "cancelled", decodeInto[codeView](t, rec).State)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, path, staff, nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/codes/not-a-uuid/cancel", staff, nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/codes/"+uuid.NewString()+"/cancel", staff, nil).Code)

	rec = f.do(t, http.MethodPost, "/v1/redemptions", payer, map[string]string{"code": created.Code, "pin": payerPin})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRESTBusinessListingAndStats(t *testing.T) {
	f := newServiceFixture(t)
	staff := f.token(t, staffID, auth.RoleBusiness)
	owner := f.token(t, ownerID, auth.RoleBusiness)
	payer := f.token(t, payerID, auth.RoleCustomer)

	first := decodeInto[codeView](t, f.do(t, http.MethodPost, "/v1/codes", staff, map[string]any{"business_id": businessID, "amount": "10.00"}))
	f.do(t, http.MethodPost, "/v1/codes", staff, map[string]any{"business_id": businessID, "amount": "4.00"})
	rec := f.do(t, http.MethodPost, "/v1/redemptions", payer, map[string]string{"code": first.Code, "pin": payerPin})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/businesses/9/codes", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, decodeInto[map[string][]codeView](t, rec)["codes"], 2)

	rec = f.do(t, http.MethodGet, "/v1/businesses/9/codes?state=used", owner, nil)
	used := decodeInto[map[string][]codeView](t, rec)["codes"]
	require.Len(t, used, 1)
	require.Equal(t, first.ID, used[0].ID)

	rec = f.do(t, http.MethodGet, "/v1/businesses/9/stats", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decodeInto[statsView](t, rec)
	require.EqualValues(t, 1, stats.Used)
	require.EqualValues(t, 1, stats.Active)
	require.EqualValues(t, 2, stats.Total)
	require.Equal(t, "10.00", stats.CollectedTotal)

	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/v1/businesses/9/stats", payer, nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/businesses/9/stats", f.token(t, adminID, auth.RoleAdmin), nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/businesses/999/codes", owner, nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/businesses/9/codes?state=bogus", owner, nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/businesses/9/codes?limit=-1", owner, nil).Code)
}

func TestRESTUnexpectedFailureSetsRetryAfter(t *testing.T) {
	f := newServiceFixture(t)
	staff := f.token(t, staffID, auth.RoleBusiness)
	payer := f.token(t, payerID, auth.RoleCustomer)
	created := decodeInto[codeView](t, f.do(t, http.MethodPost, "/v1/codes", staff, map[string]any{"amount": "2.00"}))

	f.store.LockTimeout = 20 * time.Millisecond
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.store.InTx(context.Background(), func(context.Context, paycode.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	rec := f.do(t, http.MethodPost, "/v1/redemptions", payer, map[string]string{"code": created.Code, "pin": payerPin})
	close(release)
	<-done

	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.Equal(t, paycode.ErrUnexpected.Error(), decodeInto[map[string]string](t, rec)["error"])

	recs, err := f.store.Attempts(context.Background(), paycode.AttemptFilter{Code: created.Code})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, paycode.OutcomeError, recs[0].Outcome)
}

func TestRESTAdminSweep(t *testing.T) {
	f := newServiceFixture(t)
	staff := f.token(t, staffID, auth.RoleBusiness)
	for _, amount := range []string{"1.00", "2.00", "3.00"} {
		rec := f.do(t, http.MethodPost, "/v1/codes", staff, map[string]any{"amount": amount, "ttl_seconds": 60})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	f.clk.Advance(2 * time.Minute)

	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/admin/sweep", staff, nil).Code)

	admin := f.token(t, adminID, auth.RoleAdmin)
	rec := f.do(t, http.MethodPost, "/v1/admin/sweep", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 3, decodeInto[map[string]any](t, rec)["expired"])

	rec = f.do(t, http.MethodPost, "/v1/admin/sweep", admin, nil)
	require.EqualValues(t, 0, decodeInto[map[string]any](t, rec)["expired"])
	require.EqualValues(t, 3, labeledGaugeValue(t, "open_paycode_codes_by_state", "state", "expired"))
}

func TestSystemHandler(t *testing.T) {
	started := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	ready := error(nil)
	h := SystemHandler{
		StartedAt: started,
		Clock:     clock.NewManualClock(started.Add(5 * time.Minute)),
		Version:   "test-version",
		Ready:     func(context.Context) error { return ready },
	}
	mux := http.NewServeMux()
	h.Register(mux)

	get := func(path string) (int, string) {
		rec := serveGet(mux, path)
		return rec.Code, rec.Body.String()
	}

	code, _ := get("/healthz")
	require.Equal(t, http.StatusOK, code)
	code, _ = get("/readyz")
	require.Equal(t, http.StatusOK, code)

	ready = context.DeadlineExceeded
	code, _ = get("/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)

	code, body := get("/v1/system/status")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"version":"test-version"`)
	require.Contains(t, body, `"uptime":"5m0s"`)
}
