package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

const (
	testJWTSecret       = "server-test-secret"
	adminID       int64 = 1
	payerID       int64 = 7
	ownerID       int64 = 42
	staffID       int64 = 43
	businessID    int64 = 9
	payerPin            = "1234"
)

type plainVerifier struct{}

func (plainVerifier) VerifyPin(plain, hash string) bool { return "pin:"+plain == hash }

type serviceFixture struct {
	clk      *clock.ManualClock
	store    *ledger.MemoryStore
	svc      *PaymentCodeService
	handler  http.Handler
	signer   *auth.JWTSigner
	verifier *auth.JWTVerifier
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	clk := clock.NewManualClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	store := ledger.NewMemoryStore()
	store.PutAccount(paycode.Account{ID: adminID, DisplayName: "Ops", Balance: dec("0.00"), Active: true})
	store.PutAccount(paycode.Account{ID: payerID, DisplayName: "Ana Payer", Balance: dec("100.00"), Active: true, PinHash: "pin:" + payerPin})
	store.PutAccount(paycode.Account{ID: ownerID, DisplayName: "Bruno Owner", Balance: dec("0.00"), Active: true, PinHash: "pin:9999"})
	store.PutAccount(paycode.Account{ID: staffID, DisplayName: "Carla Staff", Balance: dec("0.00"), Active: true, PinHash: "pin:8888"})
	store.PutBusiness(paycode.Business{ID: businessID, OwnerAccountID: ownerID, Name: "Cafe Norte", LegalName: "Cafe Norte S.A.", Active: true})
	store.PutStaff(businessID, staffID)

	registry := paycode.NewCodeRegistry(clk, store, paycode.DefaultRegistryConfig())
	engine := paycode.NewSettlementEngine(clk, store, registry, plainVerifier{})
	svc := &PaymentCodeService{
		Clock:    clk,
		Registry: registry,
		Engine:   engine,
		Sweeper:  paycode.NewSweeper(registry, 0),
		Metrics:  metricsForTest(),
		States:   store,
	}

	gwMux := runtime.NewServeMux()
	require.NoError(t, svc.RegisterGateway(gwMux))
	verifier := auth.NewJWTVerifier(testJWTSecret)
	return &serviceFixture{
		clk:      clk,
		store:    store,
		svc:      svc,
		handler:  auth.HTTPJWTMiddleware(verifier, gwMux),
		signer:   auth.NewJWTSigner(testJWTSecret),
		verifier: verifier,
	}
}

func (f *serviceFixture) token(t *testing.T, accountID int64, role string) string {
	t.Helper()
	signed, _, err := f.signer.SignActor(auth.Actor{AccountID: accountID, Role: role}, time.Now(), time.Hour)
	require.NoError(t, err)
	return signed
}

func (f *serviceFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body=%s", rec.Body.String())
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func serveGet(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}
