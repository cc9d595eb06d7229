package history

import (
	"context"
	"sort"
	"sync"

	"github.com/questgate/server/internal/integrity"
)

type userRecord struct {
	submissions []integrity.Submission
	verified    map[string]bool
}

// MemoryStore keeps histories in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*userRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*userRecord)}
}

func (m *MemoryStore) Load(_ context.Context, userID string) (integrity.SubmissionHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.users[userID]
	if !ok {
		return integrity.SubmissionHistory{Submissions: []integrity.Submission{}}, nil
	}

	subs := make([]integrity.Submission, len(rec.submissions))
	copy(subs, rec.submissions)
	return integrity.SubmissionHistory{
		Submissions:        subs,
		LastSubmissionTime: lastTimestamp(subs),
		VerificationRate:   verificationRate(len(rec.verified), len(subs)),
	}, nil
}

func (m *MemoryStore) Append(_ context.Context, userID string, sub integrity.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.users[userID]
	if !ok {
		rec = &userRecord{verified: make(map[string]bool)}
		m.users[userID] = rec
	}
	rec.submissions = append(rec.submissions, sub)
	sort.SliceStable(rec.submissions, func(i, j int) bool {
		return rec.submissions[i].Timestamp.Before(rec.submissions[j].Timestamp)
	})
	return nil
}

func (m *MemoryStore) MarkVerified(_ context.Context, userID, submissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	for _, s := range rec.submissions {
		if s.ID == submissionID {
			rec.verified[submissionID] = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) Remove(_ context.Context, userID, submissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.users[userID]
	if !ok {
		return nil
	}
	kept := rec.submissions[:0]
	for _, s := range rec.submissions {
		if s.ID != submissionID {
			kept = append(kept, s)
		}
	}
	rec.submissions = kept
	delete(rec.verified, submissionID)
	return nil
}

// MemoryLocker is an in-process per-user lock. Each key maps to a one-slot
// channel; holding the lock means owning the slot.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch      chan struct{}
	waiters int
}

// NewMemoryLocker creates a locker with no held keys.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*slot)}
}

func (l *MemoryLocker) Lock(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[userID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[userID] = s
	}
	s.waiters++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, s, false)
		return nil, ErrLockTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(userID, s, true) })
	}, nil
}

func (l *MemoryLocker) release(userID string, s *slot, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held {
		<-s.ch
	}
	s.waiters--
	if s.waiters == 0 {
		delete(l.slots, userID)
	}
}

// held reports how many keys currently have holders or waiters.
func (l *MemoryLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
