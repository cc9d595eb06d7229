package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the canonical rendering of a submission timestamp
// (UTC, millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the canonical layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts RFC 3339 timestamps with or without fractional
// seconds. Anything else is a ValidationError.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("unparsable %q", raw)}
	}
	return t.UTC(), nil
}

// Digester computes a one-way digest of payload. Implementations backed by
// hardware or remote services may block and must honour ctx.
type Digester interface {
	Digest(ctx context.Context, payload []byte) ([]byte, error)
}

// SHA256Digester is the in-process default.
type SHA256Digester struct{}

func (SHA256Digester) Digest(_ context.Context, payload []byte) ([]byte, error) {
	sum := sha256.Sum256(payload)
	return sum[:], nil
}

// commitment fixes the bound fields and their order.
type commitment struct {
	QuestID     string `json:"questId"`
	Timestamp   string `json:"timestamp"`
	DeviceID    string `json:"deviceId"`
	Description string `json:"description"`
}

// CommitmentPayload is the canonical byte form that gets hashed.
func CommitmentPayload(sub Submission) []byte {
	return canonicalJSON(commitment{
		QuestID:     sub.QuestID,
		Timestamp:   FormatTimestamp(sub.Timestamp),
		DeviceID:    sub.DeviceID,
		Description: sub.Description,
	})
}

// Hasher produces commitment hashes.
type Hasher struct {
	digester Digester
}

// NewHasher wraps d; a nil d falls back to SHA256Digester.
func NewHasher(d Digester) *Hasher {
	if d == nil {
		d = SHA256Digester{}
	}
	return &Hasher{digester: d}
}

type digestResult struct {
	sum []byte
	err error
}

// Commit hashes the four bound fields of sub into a 64-character hex digest.
// The digest runs off the caller's goroutine so that a deadline on ctx is
// enforced even if the digester ignores it. Any failure is an IntegrityError.
func (h *Hasher) Commit(ctx context.Context, sub Submission) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &IntegrityError{Op: "commit", Err: err}
	}

	payload := CommitmentPayload(sub)
	done := make(chan digestResult, 1)
	go func() {
		sum, err := h.digester.Digest(ctx, payload)
		done <- digestResult{sum: sum, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", &IntegrityError{Op: "commit", Err: ctx.Err()}
	case res := <-done:
		if res.err != nil {
			return "", &IntegrityError{Op: "commit", Err: res.err}
		}
		if len(res.sum) != sha256.Size {
			return "", &IntegrityError{Op: "commit", Err: fmt.Errorf("digest length %d, want %d", len(res.sum), sha256.Size)}
		}
		return hex.EncodeToString(res.sum), nil
	}
}

// Verify re-hashes sub and compares the result with sub.CommitmentHash.
// A mismatch returns ErrCommitmentMismatch.
func (h *Hasher) Verify(ctx context.Context, sub Submission) error {
	if sub.CommitmentHash == "" {
		return fmt.Errorf("%w: no stored hash", ErrCommitmentMismatch)
	}
	got, err := h.Commit(ctx, sub)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, sub.CommitmentHash) {
		return ErrCommitmentMismatch
	}
	return nil
}

// IsRetryable reports whether err came from the commit step, which is safe
// to retry because the digest is deterministic.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIntegrity)
}
