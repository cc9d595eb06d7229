// Package ledger is the durable record of gate decisions that produced a
// submission. Commitment hashes are re-verified against it.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/questgate/server/internal/integrity"
)

var (
	// ErrNotFound is returned by Get for an unknown submission id.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrDuplicate is returned by Put when the submission id is already stored.
	ErrDuplicate = errors.New("ledger: record already exists")
)

// Record is one persisted submission with the decision that admitted it.
type Record struct {
	UserID     string               `json:"userId"`
	Submission integrity.Submission `json:"submission"`
	Score      int                  `json:"score"`
	Level      integrity.Level      `json:"level"`
	Verdict    integrity.Verdict    `json:"verdict"`
	CreatedAt  time.Time            `json:"createdAt"`
}

// Ledger stores records keyed by submission id.
type Ledger interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, submissionID string) (Record, error)
}

// Memory is a process-local Ledger.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]Record
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]Record)}
}

// Put stores rec under its submission id.
func (m *Memory) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.Submission.ID]; ok {
		return ErrDuplicate
	}
	m.recs[rec.Submission.ID] = rec
	return nil
}

// Get returns the record for submissionID or ErrNotFound.
func (m *Memory) Get(_ context.Context, submissionID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[submissionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}
