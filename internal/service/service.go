// Package service runs submission attempts through the integrity gate
// against stored per-user history.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/questgate/server/internal/events"
	"github.com/questgate/server/internal/history"
	"github.com/questgate/server/internal/integrity"
	"github.com/questgate/server/internal/ledger"
	"github.com/questgate/server/internal/metrics"
)

// Dependencies wires a Service. Metrics may be nil.
type Dependencies struct {
	Gate        *integrity.Gate
	Store       history.Store
	Locker      history.Locker
	Ledger      ledger.Ledger
	Publisher   events.Publisher
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	LockTimeout time.Duration
}

// Service is the stateful front of the gate.
type Service struct {
	gate        *integrity.Gate
	store       history.Store
	locker      history.Locker
	ledger      ledger.Ledger
	publisher   events.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	lockTimeout time.Duration
	newID       func() string
}

// New builds a Service from deps. A nil Publisher logs events, a nil
// Logger uses slog.Default and a zero LockTimeout waits three seconds.
func New(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockTimeout := deps.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NewLoggingPublisher(logger)
	}
	return &Service{
		gate:        deps.Gate,
		store:       deps.Store,
		locker:      deps.Locker,
		ledger:      deps.Ledger,
		publisher:   publisher,
		metrics:     deps.Metrics,
		logger:      logger,
		lockTimeout: lockTimeout,
		newID:       uuid.NewString,
	}
}

// Submit evaluates attempt for userID. Accepted and flagged submissions are
// appended to the user's history and written to the ledger; rejected ones
// are not stored. The user's lock is held from history load to append.
// Stored submissions carry the server receive time; a caller timestamp is
// checked for format and otherwise ignored.
func (s *Service) Submit(ctx context.Context, userID string, attempt integrity.Attempt) (integrity.Decision, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return integrity.Decision{}, &integrity.ValidationError{Field: "userId", Reason: "missing"}
	}
	if strings.TrimSpace(attempt.Timestamp) != "" {
		if _, err := integrity.ParseTimestamp(attempt.Timestamp); err != nil {
			return integrity.Decision{}, err
		}
		attempt.Timestamp = ""
	}

	decision, err := s.decide(ctx, userID, attempt)
	if err != nil {
		s.logger.WarnContext(ctx, "submission failed",
			"module", "service",
			"layer", "application",
			"operation", "submit",
			"outcome", "failure",
			"user_id", userID,
			"error", err.Error(),
		)
		return integrity.Decision{}, err
	}

	if s.metrics != nil {
		s.metrics.ObserveDecision(decision)
	}
	s.publish(ctx, userID, decision)

	s.logger.InfoContext(ctx, "submission decided",
		"module", "service",
		"layer", "application",
		"operation", "submit",
		"outcome", string(decision.Verdict),
		"user_id", userID,
		"submission_id", decision.Submission.ID,
		"quest_id", decision.Submission.QuestID,
		"score", decision.Score,
		"level", string(decision.Status.Level),
	)
	return decision, nil
}

func (s *Service) decide(ctx context.Context, userID string, attempt integrity.Attempt) (integrity.Decision, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	unlock, err := s.locker.Lock(lockCtx, userID)
	cancel()
	if err != nil {
		return integrity.Decision{}, err
	}
	defer unlock()

	hist, err := s.store.Load(ctx, userID)
	if err != nil {
		return integrity.Decision{}, fmt.Errorf("load history: %w", err)
	}

	decision, err := s.gate.Evaluate(ctx, hist, attempt)
	if err != nil {
		return integrity.Decision{}, err
	}
	if decision.Verdict == integrity.VerdictReject {
		return decision, nil
	}

	decision.Submission.ID = s.newID()
	if err := s.store.Append(ctx, userID, decision.Submission); err != nil {
		return integrity.Decision{}, fmt.Errorf("append history: %w", err)
	}
	rec := ledger.Record{
		UserID:     userID,
		Submission: decision.Submission,
		Score:      decision.Score,
		Level:      decision.Status.Level,
		Verdict:    decision.Verdict,
		CreatedAt:  s.gate.Now().UTC(),
	}
	if err := s.ledger.Put(ctx, rec); err != nil {
		// History and ledger must hold the same submissions.
		if rmErr := s.store.Remove(ctx, userID, decision.Submission.ID); rmErr != nil {
			s.logger.WarnContext(ctx, "history entry left without ledger record",
				"module", "service",
				"layer", "application",
				"operation", "submit",
				"outcome", "failure",
				"user_id", userID,
				"submission_id", decision.Submission.ID,
				"error", rmErr.Error(),
			)
		}
		return integrity.Decision{}, fmt.Errorf("record submission: %w", err)
	}
	return decision, nil
}

func (s *Service) publish(ctx context.Context, userID string, d integrity.Decision) {
	payload, err := events.Encode(events.DecisionEventType, s.gate.Now(), events.NewDecisionData(userID, d))
	if err == nil {
		err = s.publisher.Publish(ctx, events.DecisionEventType, payload, userID)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "decision event not published",
			"module", "service",
			"layer", "application",
			"operation", "publish",
			"outcome", "failure",
			"user_id", userID,
			"error", err.Error(),
		)
	}
}

// StatusView is the dashboard read model for one user.
type StatusView struct {
	UserID             string                    `json:"userId"`
	TotalSubmissions   int                       `json:"totalSubmissions"`
	VerificationRate   float64                   `json:"verificationRate"`
	LastSubmissionTime *time.Time                `json:"lastSubmissionTime"`
	RateLimit          integrity.RateLimitResult `json:"rateLimit"`
	Anomalies          []integrity.Anomaly       `json:"anomalies"`
	Score              int                       `json:"score"`
	Status             integrity.AnomalyStatus   `json:"status"`
}

// Status scores the user's stored history without a new attempt.
func (s *Service) Status(ctx context.Context, userID string) (StatusView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return StatusView{}, &integrity.ValidationError{Field: "userId", Reason: "missing"}
	}
	hist, err := s.store.Load(ctx, userID)
	if err != nil {
		return StatusView{}, fmt.Errorf("load history: %w", err)
	}
	limits, anomalies, score, status := s.gate.Assess(hist)
	if limits.Violations == nil {
		limits.Violations = []string{}
	}
	if anomalies == nil {
		anomalies = []integrity.Anomaly{}
	}
	return StatusView{
		UserID:             userID,
		TotalSubmissions:   len(hist.Submissions),
		VerificationRate:   hist.VerificationRate,
		LastSubmissionTime: hist.LastSubmissionTime,
		RateLimit:          limits,
		Anomalies:          anomalies,
		Score:              score,
		Status:             status,
	}, nil
}

// MarkVerified records a reviewer's confirmation of a stored submission.
func (s *Service) MarkVerified(ctx context.Context, userID, submissionID string) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	unlock, err := s.locker.Lock(lockCtx, userID)
	cancel()
	if err != nil {
		return err
	}
	defer unlock()
	return s.store.MarkVerified(ctx, userID, submissionID)
}

// Verification is the result of re-hashing a stored submission.
type Verification struct {
	SubmissionID   string `json:"submissionId"`
	UserID         string `json:"userId"`
	CommitmentHash string `json:"commitmentHash"`
	Valid          bool   `json:"valid"`
}

// VerifyCommitment reloads a ledger record and checks its stored hash
// against the bound fields. A mismatch is reported as Valid=false.
func (s *Service) VerifyCommitment(ctx context.Context, submissionID string) (Verification, error) {
	rec, err := s.ledger.Get(ctx, submissionID)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{
		SubmissionID:   rec.Submission.ID,
		UserID:         rec.UserID,
		CommitmentHash: rec.Submission.CommitmentHash,
	}
	switch err := s.gate.Hasher().Verify(ctx, rec.Submission); {
	case err == nil:
		v.Valid = true
	case errors.Is(err, integrity.ErrCommitmentMismatch):
	default:
		return Verification{}, err
	}
	return v, nil
}
