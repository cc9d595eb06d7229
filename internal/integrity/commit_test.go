package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleSubmission = Submission{
	QuestID:     "walk-30",
	Timestamp:   baseTime,
	DeviceID:    "0123456789abcdef",
	Description: "Walked to the park & back <no phone>",
}

func TestCommitmentPayloadIsCanonical(t *testing.T) {
	got := string(CommitmentPayload(sampleSubmission))
	want := `{"questId":"walk-30","timestamp":"2025-03-14T12:00:00.000Z","deviceId":"0123456789abcdef","description":"Walked to the park & back <no phone>"}`
	assert.Equal(t, want, got)
}

func TestCommitMatchesSHA256OfPayload(t *testing.T) {
	h := NewHasher(nil)
	got, err := h.Commit(context.Background(), sampleSubmission)
	require.NoError(t, err)

	sum := sha256.Sum256(CommitmentPayload(sampleSubmission))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
	assert.Len(t, got, 64)
}

func TestCommitIsDeterministic(t *testing.T) {
	h := NewHasher(nil)
	a, err := h.Commit(context.Background(), sampleSubmission)
	require.NoError(t, err)
	b, err := h.Commit(context.Background(), sampleSubmission)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCommitBindsExactlyFourFields(t *testing.T) {
	h := NewHasher(nil)
	ctx := context.Background()
	base, err := h.Commit(ctx, sampleSubmission)
	require.NoError(t, err)

	unbound := sampleSubmission
	unbound.ID = "storage-id"
	unbound.CommitmentHash = "previous"
	same, err := h.Commit(ctx, unbound)
	require.NoError(t, err)
	assert.Equal(t, base, same, "id and stored hash must not influence the commitment")

	mutations := map[string]func(*Submission){
		"questId":     func(s *Submission) { s.QuestID = "walk-60" },
		"timestamp":   func(s *Submission) { s.Timestamp = s.Timestamp.Add(time.Millisecond) },
		"deviceId":    func(s *Submission) { s.DeviceID = "fedcba9876543210" },
		"description": func(s *Submission) { s.Description += "." },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			s := sampleSubmission
			mutate(&s)
			got, err := h.Commit(ctx, s)
			require.NoError(t, err)
			assert.NotEqual(t, base, got)
		})
	}
}

func TestCommitIgnoresTimezoneOfSameInstant(t *testing.T) {
	h := NewHasher(nil)
	ctx := context.Background()

	local := sampleSubmission
	local.Timestamp = baseTime.In(time.FixedZone("UTC+2", 2*3600))

	a, err := h.Commit(ctx, sampleSubmission)
	require.NoError(t, err)
	b, err := h.Commit(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCommitCancelledContextIsIntegrityError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHasher(nil).Commit(ctx, sampleSubmission)
	require.Error(t, err)

	var ie *IntegrityError
	assert.True(t, errors.As(err, &ie))
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsRetryable(err))
}

type blockingDigester struct{ release chan struct{} }

func (b blockingDigester) Digest(ctx context.Context, payload []byte) ([]byte, error) {
	<-b.release
	return SHA256Digester{}.Digest(ctx, payload)
}

func TestCommitTimesOutOnSlowDigester(t *testing.T) {
	d := blockingDigester{release: make(chan struct{})}
	defer close(d.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewHasher(d).Commit(ctx, sampleSubmission)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type failingDigester struct{}

func (failingDigester) Digest(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("hsm unavailable")
}

type shortDigester struct{}

func (shortDigester) Digest(context.Context, []byte) ([]byte, error) {
	return []byte{1, 2, 3}, nil
}

func TestCommitDigesterFailures(t *testing.T) {
	_, err := NewHasher(failingDigester{}).Commit(context.Background(), sampleSubmission)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "hsm unavailable")

	_, err = NewHasher(shortDigester{}).Commit(context.Background(), sampleSubmission)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestVerifyDetectsTampering(t *testing.T) {
	h := NewHasher(nil)
	ctx := context.Background()

	stored := sampleSubmission
	hash, err := h.Commit(ctx, stored)
	require.NoError(t, err)
	stored.CommitmentHash = hash

	assert.NoError(t, h.Verify(ctx, stored))

	tampered := stored
	tampered.Description = "Planted ten trees"
	assert.ErrorIs(t, h.Verify(ctx, tampered), ErrCommitmentMismatch)

	missing := sampleSubmission
	assert.ErrorIs(t, h.Verify(ctx, missing), ErrCommitmentMismatch)
}

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("2025-03-14T12:00:00.000Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(baseTime))

	got, err = ParseTimestamp("2025-03-14T14:00:00+02:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(baseTime))

	for _, raw := range []string{"", "yesterday", "2025-13-40T99:00:00Z", "1710417600"} {
		_, err := ParseTimestamp(raw)
		var ve *ValidationError
		assert.True(t, errors.As(err, &ve), "input %q", raw)
		assert.ErrorIs(t, err, ErrInvalidSubmission)
	}
}
