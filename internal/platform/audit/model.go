package audit

import "time"

const Genesis = "GENESIS"

// Entry is the hashed projection of one redemption attempt.
type Entry struct {
	ID         string
	Code       string
	AccountID  int64
	Outcome    string
	Message    string
	RecordedAt time.Time
	HashPrev   string
	HashCurr   string
}
