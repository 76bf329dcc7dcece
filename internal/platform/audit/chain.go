package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

func ComputeHash(prev string, e Entry) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.ID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + e.Code + "|" + strconv.FormatInt(e.AccountID, 10)))
	_, _ = h.Write([]byte("|" + e.Outcome + "|" + e.Message))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks entries oldest first and checks every link.
func Verify(entries []Entry) error {
	prev := Genesis
	for i, e := range entries {
		if e.HashPrev != prev {
			return fmt.Errorf("%w: entry %d (%s) links to %q, want %q", ErrCorruptChain, i, e.ID, e.HashPrev, prev)
		}
		if ComputeHash(prev, e) != e.HashCurr {
			return fmt.Errorf("%w: entry %d (%s) hash mismatch", ErrCorruptChain, i, e.ID)
		}
		prev = e.HashCurr
	}
	return nil
}
