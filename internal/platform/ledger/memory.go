package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/paycode"
)

var (
	ErrLockTimeout      = errors.New("lock wait timeout")
	ErrNegativeBalance  = errors.New("balance would become negative")
	ErrDuplicateSettled = errors.New("payment code already settled")
)

// MemoryStore keeps everything in process. Transactions are fully serialized,
// which is a stronger guarantee than the row locks the Postgres store takes.
// Writes are staged on the tx and applied on commit, so readers outside a
// transaction never see half of a settlement.
type MemoryStore struct {
	// LockTimeout bounds how long InTx waits for the store lock. Zero waits
	// until ctx is done.
	LockTimeout time.Duration

	sem chan struct{}

	mu         sync.RWMutex
	accounts   map[int64]paycode.Account
	businesses map[int64]paycode.Business
	staff      map[int64]map[int64]bool
	codes      map[uuid.UUID]paycode.PaymentCode
	trxs       []paycode.Transaction

	attemptMu sync.Mutex
	chain     *audit.InMemoryChain
	attempts  []paycode.AttemptRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sem:        make(chan struct{}, 1),
		accounts:   make(map[int64]paycode.Account),
		businesses: make(map[int64]paycode.Business),
		staff:      make(map[int64]map[int64]bool),
		codes:      make(map[uuid.UUID]paycode.PaymentCode),
		chain:      audit.NewInMemoryChain(),
	}
}

// PutAccount seeds or replaces an account. It stands in for the identity
// subsystem that owns accounts in production.
func (s *MemoryStore) PutAccount(a paycode.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

func (s *MemoryStore) PutBusiness(b paycode.Business) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.businesses[b.ID] = b
}

// PutStaff registers accountID as staff allowed to issue codes for businessID.
func (s *MemoryStore) PutStaff(businessID, accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staff[businessID] == nil {
		s.staff[businessID] = make(map[int64]bool)
	}
	s.staff[businessID][accountID] = true
}

// TransactionCount reports how many transactions reference codeID.
func (s *MemoryStore) TransactionCount(codeID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.trxs {
		if t.PaymentCodeID == codeID {
			n++
		}
	}
	return n
}

func (s *MemoryStore) acquire(ctx context.Context) (func(), error) {
	if s.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.LockTimeout)
		defer cancel()
	}
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("memory store: %w", ErrLockTimeout)
		}
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx paycode.Tx) error) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx := &memTx{
		s:        s,
		accounts: make(map[int64]paycode.Account),
		codes:    make(map[uuid.UUID]paycode.PaymentCode),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for id, c := range tx.codes {
		s.codes[id] = c
	}
	s.trxs = append(s.trxs, tx.trxs...)
	s.mu.Unlock()

	for _, rec := range tx.attempts {
		_, _ = s.appendAttempt(rec)
	}
}

func (s *MemoryStore) AppendAttempt(_ context.Context, rec paycode.AttemptRecord) (paycode.AttemptRecord, error) {
	return s.appendAttempt(rec)
}

func (s *MemoryStore) appendAttempt(rec paycode.AttemptRecord) (paycode.AttemptRecord, error) {
	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()
	e, err := s.chain.Append(paycode.AttemptEntry(rec))
	if err != nil {
		return paycode.AttemptRecord{}, err
	}
	rec.HashPrev = e.HashPrev
	rec.HashCurr = e.HashCurr
	s.attempts = append(s.attempts, rec)
	return rec, nil
}

func (s *MemoryStore) Account(_ context.Context, id int64) (paycode.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return paycode.Account{}, paycode.ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) Attempts(_ context.Context, f paycode.AttemptFilter) ([]paycode.AttemptRecord, error) {
	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()
	out := make([]paycode.AttemptRecord, 0)
	for _, r := range s.attempts {
		if f.Code != "" && r.Code != f.Code {
			continue
		}
		if f.AccountID != 0 && r.AccountID != f.AccountID {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (s *MemoryStore) CodesByBusiness(_ context.Context, businessID int64, state paycode.State, limit int) ([]paycode.PaymentCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]paycode.PaymentCode, 0)
	for _, c := range s.codes {
		if c.BusinessID == nil || *c.BusinessID != businessID {
			continue
		}
		if state != "" && c.State != state {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CodeStats(_ context.Context, businessID int64) (paycode.CodeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := paycode.CodeStats{CollectedTotal: decimal.Zero, CollectedAverage: decimal.Zero}
	for _, c := range s.codes {
		if c.BusinessID == nil || *c.BusinessID != businessID {
			continue
		}
		st.Total++
		switch c.State {
		case paycode.StateActive:
			st.Active++
		case paycode.StateUsed:
			st.Used++
			st.CollectedTotal = st.CollectedTotal.Add(c.Amount)
		case paycode.StateExpired:
			st.Expired++
		case paycode.StateCancelled:
			st.Cancelled++
		}
	}
	if st.Used > 0 {
		st.CollectedAverage = st.CollectedTotal.Div(decimal.NewFromInt(st.Used)).Round(2)
	}
	return st, nil
}

func (s *MemoryStore) CountCodesByState(context.Context) (map[paycode.State]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[paycode.State]int64{
		paycode.StateActive:    0,
		paycode.StateUsed:      0,
		paycode.StateExpired:   0,
		paycode.StateCancelled: 0,
	}
	for _, c := range s.codes {
		out[c.State]++
	}
	return out, nil
}

func (s *MemoryStore) TransactionsByPayer(_ context.Context, payerID int64, limit int) ([]paycode.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]paycode.Transaction, 0)
	for i := len(s.trxs) - 1; i >= 0; i-- {
		if s.trxs[i].PayerAccountID != payerID {
			continue
		}
		out = append(out, s.trxs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) TransactionByID(_ context.Context, id uuid.UUID) (paycode.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.trxs {
		if t.ID == id {
			return t, nil
		}
	}
	return paycode.Transaction{}, paycode.ErrNotFound
}

func (s *MemoryStore) ExpireCodes(ctx context.Context, now time.Time, limit int) (int64, error) {
	var n int64
	err := s.InTx(ctx, func(ctx context.Context, ptx paycode.Tx) error {
		tx := ptx.(*memTx)
		s.mu.RLock()
		due := make([]paycode.PaymentCode, 0)
		for _, c := range s.codes {
			if c.State == paycode.StateActive && !c.ExpiresAt.After(now) {
				due = append(due, c)
			}
		}
		s.mu.RUnlock()
		sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}
		for _, c := range due {
			c.State = paycode.StateExpired
			tx.codes[c.ID] = c
			n++
		}
		return nil
	})
	return n, err
}

// memTx stages writes over the committed maps. The store lock is held for
// the lifetime of the tx so committed state cannot move underneath it.
type memTx struct {
	s *MemoryStore

	accounts map[int64]paycode.Account
	codes    map[uuid.UUID]paycode.PaymentCode
	trxs     []paycode.Transaction
	attempts []paycode.AttemptRecord
}

func (t *memTx) account(id int64) (paycode.Account, bool) {
	if a, ok := t.accounts[id]; ok {
		return a, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	a, ok := t.s.accounts[id]
	return a, ok
}

func (t *memTx) code(id uuid.UUID) (paycode.PaymentCode, bool) {
	if c, ok := t.codes[id]; ok {
		return c, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	c, ok := t.s.codes[id]
	return c, ok
}

// codesNamed returns the merged view of every record carrying code.
func (t *memTx) codesNamed(code string) []paycode.PaymentCode {
	seen := make(map[uuid.UUID]struct{})
	out := make([]paycode.PaymentCode, 0, 1)
	for id, c := range t.codes {
		if c.Code == code {
			out = append(out, c)
		}
		seen[id] = struct{}{}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for id, c := range t.s.codes {
		if _, staged := seen[id]; staged || c.Code != code {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (t *memTx) Account(_ context.Context, id int64) (paycode.Account, error) {
	a, ok := t.account(id)
	if !ok {
		return paycode.Account{}, paycode.ErrNotFound
	}
	return a, nil
}

func (t *memTx) LockAccounts(_ context.Context, ids ...int64) (map[int64]paycode.Account, error) {
	out := make(map[int64]paycode.Account, len(ids))
	for _, id := range sortedUnique(ids) {
		if a, ok := t.account(id); ok {
			out[id] = a
		}
	}
	return out, nil
}

func (t *memTx) AdjustBalance(_ context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	a, ok := t.account(id)
	if !ok {
		return decimal.Zero, paycode.ErrNotFound
	}
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("account %d: %w", id, ErrNegativeBalance)
	}
	a.Balance = next
	t.accounts[id] = a
	return next, nil
}

func (t *memTx) Business(_ context.Context, id int64) (paycode.Business, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	b, ok := t.s.businesses[id]
	if !ok {
		return paycode.Business{}, paycode.ErrNotFound
	}
	return b, nil
}

func (t *memTx) IsBusinessStaff(_ context.Context, businessID, accountID int64) (bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.staff[businessID][accountID], nil
}

func (t *memTx) InsertCode(_ context.Context, pc paycode.PaymentCode) error {
	for _, c := range t.codesNamed(pc.Code) {
		if c.State == paycode.StateActive {
			return paycode.ErrDuplicateCode
		}
	}
	t.codes[pc.ID] = pc
	return nil
}

func (t *memTx) ExpireCode(_ context.Context, code string, now time.Time) (int64, error) {
	var n int64
	for _, c := range t.codesNamed(code) {
		if c.State == paycode.StateActive && !c.ExpiresAt.After(now) {
			c.State = paycode.StateExpired
			t.codes[c.ID] = c
			n++
		}
	}
	return n, nil
}

func (t *memTx) FindActiveCode(_ context.Context, code string, now time.Time, _ bool) (paycode.PaymentCode, error) {
	for _, c := range t.codesNamed(code) {
		if c.ActiveAt(now) {
			return c, nil
		}
	}
	return paycode.PaymentCode{}, paycode.ErrNotFound
}

func (t *memTx) CodeByID(_ context.Context, id uuid.UUID, _ bool) (paycode.PaymentCode, error) {
	c, ok := t.code(id)
	if !ok {
		return paycode.PaymentCode{}, paycode.ErrNotFound
	}
	return c, nil
}

func (t *memTx) MarkCodeUsed(_ context.Context, id uuid.UUID, payerID int64, usedAt time.Time) (paycode.PaymentCode, error) {
	c, ok := t.code(id)
	if !ok {
		return paycode.PaymentCode{}, paycode.ErrNotFound
	}
	if c.State != paycode.StateActive {
		return paycode.PaymentCode{}, paycode.ErrStateConflict
	}
	c.State = paycode.StateUsed
	c.PayerAccountID = &payerID
	c.UsedAt = &usedAt
	t.codes[id] = c
	return c, nil
}

func (t *memTx) CancelCode(_ context.Context, id uuid.UUID, now time.Time) (paycode.PaymentCode, error) {
	c, ok := t.code(id)
	if !ok {
		return paycode.PaymentCode{}, paycode.ErrNotFound
	}
	if c.State != paycode.StateActive {
		return paycode.PaymentCode{}, paycode.ErrStateConflict
	}
	c.State = paycode.StateCancelled
	c.CancelledAt = &now
	t.codes[id] = c
	return c, nil
}

func (t *memTx) InsertTransaction(_ context.Context, trx paycode.Transaction) error {
	t.s.mu.RLock()
	for _, existing := range t.s.trxs {
		if existing.PaymentCodeID == trx.PaymentCodeID {
			t.s.mu.RUnlock()
			return ErrDuplicateSettled
		}
	}
	t.s.mu.RUnlock()
	for _, staged := range t.trxs {
		if staged.PaymentCodeID == trx.PaymentCodeID {
			return ErrDuplicateSettled
		}
	}
	t.trxs = append(t.trxs, trx)
	return nil
}

// AppendAttempt stages rec; it is chained on commit so an independent append
// can never slip in between hash and publish.
func (t *memTx) AppendAttempt(_ context.Context, rec paycode.AttemptRecord) (paycode.AttemptRecord, error) {
	t.attempts = append(t.attempts, rec)
	return rec, nil
}

func sortedUnique(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
