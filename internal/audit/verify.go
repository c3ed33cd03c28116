package audit

import (
	"fmt"

	"dexd/internal/domain"
)

// ChainError reports the first index at which the chain fails to verify.
// Because each hash covers its predecessor, every later entry is also
// untrustworthy once one index breaks.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain tampered at index %d: %s", e.Index, e.Reason)
}

// VerifyChain recomputes the hash chain over entries in stored order.
// It detects any single-entry mutation, deletion, or reordering. An empty
// chain is valid.
func VerifyChain(entries []domain.AuditEntry) error {
	prev := GenesisHash
	for i, e := range entries {
		if e.PreviousHash != prev {
			return &ChainError{Index: i, Reason: "previous-hash link broken"}
		}
		if recomputed := EntryHash(e); recomputed != e.EntryHash {
			return &ChainError{Index: i, Reason: "entry hash mismatch"}
		}
		prev = e.EntryHash
	}
	return nil
}
