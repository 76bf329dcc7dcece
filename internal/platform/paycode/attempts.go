package paycode

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/clock"
)

const maxAttemptCodeLength = 32

var outcomeMessages = map[Outcome]string{
	OutcomeSuccess:              "payment completed",
	OutcomeInvalidPIN:           "invalid pin",
	OutcomeInvalidOrExpiredCode: "code invalid or expired",
	OutcomeInsufficientBalance:  "insufficient balance",
	OutcomeInactiveAccount:      "account missing or inactive",
	OutcomeError:                "internal error",
}

// Message is the stable, caller-safe text for an outcome.
func (o Outcome) Message() string {
	if m, ok := outcomeMessages[o]; ok {
		return m
	}
	return outcomeMessages[OutcomeError]
}

// AttemptLog is the append-only record of redemption attempts. SUCCESS is
// written inside the settlement transaction; every failure is committed on
// its own after the settlement transaction has rolled back.
type AttemptLog struct {
	Clock clock.Clock

	store Store
}

func NewAttemptLog(clk clock.Clock, store Store) *AttemptLog {
	return &AttemptLog{Clock: clk, store: store}
}

func (l *AttemptLog) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock.Now().UTC()
}

func (l *AttemptLog) newRecord(code string, accountID int64, outcome Outcome) AttemptRecord {
	return AttemptRecord{
		ID:        uuid.New(),
		Code:      attemptCode(code),
		AccountID: accountID,
		Outcome:   outcome,
		Message:   outcome.Message(),
		CreatedAt: l.now(),
	}
}

// attemptCode makes a caller-supplied code storable as text: invalid UTF-8
// and NUL bytes are dropped and the result is cut to maxAttemptCodeLength
// characters on a rune boundary.
func attemptCode(code string) string {
	code = strings.ReplaceAll(strings.ToValidUTF8(code, ""), "\x00", "")
	if utf8.RuneCountInString(code) <= maxAttemptCodeLength {
		return code
	}
	return string([]rune(code)[:maxAttemptCodeLength])
}

func (l *AttemptLog) RecordSuccess(ctx context.Context, tx Tx, code string, accountID int64) (AttemptRecord, error) {
	return tx.AppendAttempt(ctx, l.newRecord(code, accountID, OutcomeSuccess))
}

func (l *AttemptLog) RecordFailure(ctx context.Context, code string, accountID int64, outcome Outcome) (AttemptRecord, error) {
	return l.store.AppendAttempt(ctx, l.newRecord(code, accountID, outcome))
}

func (l *AttemptLog) List(ctx context.Context, filter AttemptFilter) ([]AttemptRecord, error) {
	out, err := l.store.Attempts(ctx, filter)
	if err != nil {
		return nil, unexpected(err)
	}
	return out, nil
}

// Verify re-walks the full attempt hash chain in append order.
func (l *AttemptLog) Verify(ctx context.Context) (int, error) {
	recs, err := l.store.Attempts(ctx, AttemptFilter{})
	if err != nil {
		return 0, unexpected(err)
	}
	entries := make([]audit.Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, AttemptEntry(r))
	}
	return len(entries), audit.Verify(entries)
}

// AttemptEntry maps a record onto the hash chain's entry shape.
func AttemptEntry(r AttemptRecord) audit.Entry {
	return audit.Entry{
		ID:         r.ID.String(),
		Code:       r.Code,
		AccountID:  r.AccountID,
		Outcome:    string(r.Outcome),
		Message:    r.Message,
		RecordedAt: r.CreatedAt,
		HashPrev:   r.HashPrev,
		HashCurr:   r.HashCurr,
	}
}
