package paycode_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

const (
	payerID    int64 = 7
	receiverID int64 = 42
	staffID    int64 = 43
	businessID int64 = 9
	payerPin         = "1234"
)

// plainVerifier stands in for bcrypt; hashes are "pin:" + plaintext.
type plainVerifier struct{}

func (plainVerifier) VerifyPin(plain, hash string) bool { return "pin:"+plain == hash }

type fixture struct {
	clk      *clock.ManualClock
	store    *ledger.MemoryStore
	registry *paycode.CodeRegistry
	engine   *paycode.SettlementEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManualClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	store := ledger.NewMemoryStore()
	store.PutAccount(paycode.Account{ID: payerID, DisplayName: "Ana Payer", Balance: dec("100.00"), Active: true, PinHash: "pin:" + payerPin})
	store.PutAccount(paycode.Account{ID: receiverID, DisplayName: "Bruno Owner", Balance: dec("0.00"), Active: true, PinHash: "pin:9999"})
	store.PutAccount(paycode.Account{ID: staffID, DisplayName: "Carla Staff", Balance: dec("0.00"), Active: true, PinHash: "pin:8888"})
	store.PutBusiness(paycode.Business{ID: businessID, OwnerAccountID: receiverID, Name: "Cafe Norte", LegalName: "Cafe Norte S.A.", Active: true})
	store.PutStaff(businessID, staffID)

	registry := paycode.NewCodeRegistry(clk, store, paycode.DefaultRegistryConfig())
	engine := paycode.NewSettlementEngine(clk, store, registry, plainVerifier{})
	return &fixture{clk: clk, store: store, registry: registry, engine: engine}
}

func (f *fixture) create(t *testing.T, issuer int64, amount string, ttl time.Duration) paycode.PaymentCode {
	t.Helper()
	pc, err := f.registry.Create(context.Background(), paycode.CreateRequest{
		IssuerAccountID: &issuer,
		Amount:          dec(amount),
		TTL:             ttl,
	})
	if err != nil {
		t.Fatalf("create code: %v", err)
	}
	return pc
}

func (f *fixture) balance(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	a, err := f.store.Account(context.Background(), id)
	if err != nil {
		t.Fatalf("load account %d: %v", id, err)
	}
	return a.Balance
}

func (f *fixture) outcomes(t *testing.T, code string) []paycode.Outcome {
	t.Helper()
	recs, err := f.store.Attempts(context.Background(), paycode.AttemptFilter{Code: code})
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	out := make([]paycode.Outcome, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Outcome)
	}
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func int64Ptr(v int64) *int64 { return &v }

func assertBalance(t *testing.T, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("balance: got=%s want=%s", got.StringFixed(2), want)
	}
}
