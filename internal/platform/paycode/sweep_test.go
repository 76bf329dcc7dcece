package paycode_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

func expiredIDs(t *testing.T, f *fixture) []string {
	t.Helper()
	codes, err := f.registry.ListByBusiness(context.Background(), businessID, paycode.StateExpired, 500)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, c.ID.String())
	}
	sort.Strings(out)
	return out
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if _, err := f.registry.Create(ctx, paycode.CreateRequest{BusinessID: int64Ptr(businessID), Amount: dec("1"), TTL: time.Minute}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	keep, err := f.registry.Create(ctx, paycode.CreateRequest{BusinessID: int64Ptr(businessID), Amount: dec("1"), TTL: time.Hour})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clk.Advance(2 * time.Minute)

	sweeper := paycode.NewSweeper(f.registry, 3)
	n, err := sweeper.RunOnce(ctx)
	if err != nil || n != 7 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	once := expiredIDs(t, f)

	n, err = sweeper.RunOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	twice := expiredIDs(t, f)
	if len(once) != 7 || len(once) != len(twice) {
		t.Fatalf("expired sets differ: once=%d twice=%d", len(once), len(twice))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("expired sets differ at %d", i)
		}
	}
	still, _ := f.registry.Get(ctx, keep.ID)
	if still.State != paycode.StateActive {
		t.Fatalf("sweep touched a live code: %s", still.State)
	}
}

func TestSweepLeavesUsedCodesAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pc, err := f.registry.Create(ctx, paycode.CreateRequest{BusinessID: int64Ptr(businessID), Amount: dec("1"), TTL: time.Minute})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.Redeem(ctx, pc.Code, payerID, payerPin); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	f.clk.Advance(time.Hour)
	if n, err := paycode.NewSweeper(f.registry, 0).RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	got, _ := f.registry.Get(ctx, pc.ID)
	if got.State != paycode.StateUsed {
		t.Fatalf("expected used code to stay used, got=%s", got.State)
	}
}

func TestSweeperStartRunsOnTicker(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := f.registry.Create(ctx, paycode.CreateRequest{BusinessID: int64Ptr(businessID), Amount: dec("1"), TTL: time.Minute}); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clk.Advance(2 * time.Minute)

	var (
		mu      sync.Mutex
		expired int64
		runs    = make(chan struct{}, 16)
	)
	paycode.NewSweeper(f.registry, 10).Start(ctx, 5*time.Millisecond, nil, func(n int64, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		expired += n
		mu.Unlock()
		select {
		case runs <- struct{}{}:
		default:
		}
	})
	deadline := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-runs:
		case <-deadline:
			t.Fatalf("sweeper did not run")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if expired != 1 {
		t.Fatalf("expected one expiry across runs, got=%d", expired)
	}
}
