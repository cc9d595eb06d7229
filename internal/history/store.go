// Package history owns per-user submission histories and the per-user lock
// that makes evaluate-then-append atomic.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/questgate/server/internal/integrity"
)

var (
	// ErrLockTimeout is returned when a user's lock could not be acquired
	// before the context ended.
	ErrLockTimeout = errors.New("history: user lock not acquired")
	// ErrNotFound is returned for unknown submission ids.
	ErrNotFound = errors.New("history: submission not found")
)

// Store loads and extends user histories.
type Store interface {
	// Load returns the user's history in chronological order.
	Load(ctx context.Context, userID string) (integrity.SubmissionHistory, error)
	// Append records an accepted or flagged submission.
	Append(ctx context.Context, userID string, sub integrity.Submission) error
	// MarkVerified records that a submission was verified by a reviewer.
	MarkVerified(ctx context.Context, userID, submissionID string) error
	// Remove drops a submission and its verified mark. Removing an unknown
	// id is not an error.
	Remove(ctx context.Context, userID, submissionID string) error
}

// Locker serializes work per user.
type Locker interface {
	// Lock blocks until the user's lock is held or ctx ends. The returned
	// function releases the lock and is safe to call once.
	Lock(ctx context.Context, userID string) (func(), error)
}

// verificationRate is verified/total, 0 for an empty history.
func verificationRate(verified, total int) float64 {
	if total == 0 {
		return 0
	}
	if verified >= total {
		return 1.0
	}
	return float64(verified) / float64(total)
}

func lastTimestamp(subs []integrity.Submission) *time.Time {
	if len(subs) == 0 {
		return nil
	}
	last := subs[0].Timestamp
	for _, s := range subs[1:] {
		if s.Timestamp.After(last) {
			last = s.Timestamp
		}
	}
	return &last
}
