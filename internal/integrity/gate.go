package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultCommitTimeout bounds the digest step when no timeout is configured.
const DefaultCommitTimeout = 2 * time.Second

// Attempt is a candidate submission as the caller builds it.
type Attempt struct {
	QuestID     string      `json:"questId"`
	Timestamp   string      `json:"timestamp,omitempty"` // RFC 3339; empty means now
	Description string      `json:"description"`
	Environment Environment `json:"environment"`
}

// Decision is everything the gate concluded about one attempt
type Decision struct {
	Verdict           Verdict       `json:"verdict"`
	Accepted          bool          `json:"accepted"`
	Allowed           bool          `json:"allowed"`
	Violations        []string      `json:"violations"`
	Anomalies         []Anomaly     `json:"anomalies"`
	Score             int           `json:"score"`
	Status            AnomalyStatus `json:"status"`
	CommitmentHash    string        `json:"commitmentHash"`
	DeviceFingerprint string        `json:"deviceFingerprint"`
	Submission        Submission    `json:"submission"`
}

// GateConfig tunes the gate. Zero values fall back to defaults.
type GateConfig struct {
	Limits           Limits
	Scheme           FingerprintScheme
	CommitTimeout    time.Duration
	HighRiskVerdict  Verdict // VerdictFlag (default) or VerdictReject
	DetectAutomation bool
	// MaxClockSkew bounds how far a caller-supplied timestamp may drift from
	// the gate's clock. Zero disables the check.
	MaxClockSkew time.Duration
}

// Gate composes fingerprinting, commitment, rate limiting and anomaly
// scoring into one verdict. It keeps no per-user state; history is passed
// in on every call.
type Gate struct {
	cfg      GateConfig
	hasher   *Hasher
	catalog  QuestCatalog
	nowFn    func() time.Time
	logger   *slog.Logger
	onCommit func(time.Duration, error)
}

// GateOption customises a Gate
type GateOption func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.nowFn = now }
}

// WithLogger sets the gate's logger.
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithHasher replaces the default SHA-256 hasher.
func WithHasher(h *Hasher) GateOption {
	return func(g *Gate) { g.hasher = h }
}

// WithCommitObserver is called after every commit attempt.
func WithCommitObserver(fn func(time.Duration, error)) GateOption {
	return func(g *Gate) { g.onCommit = fn }
}

// NewGate builds a gate over catalog.
func NewGate(cfg GateConfig, catalog QuestCatalog, opts ...GateOption) *Gate {
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Scheme == "" {
		cfg.Scheme = SchemeSHA256
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.HighRiskVerdict != VerdictReject {
		cfg.HighRiskVerdict = VerdictFlag
	}
	g := &Gate{
		cfg:     cfg,
		hasher:  NewHasher(nil),
		catalog: catalog,
		nowFn:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Now returns the gate's current time.
func (g *Gate) Now() time.Time { return g.nowFn() }

// Limits returns the caps the gate enforces.
func (g *Gate) Limits() Limits { return g.cfg.Limits }

// Hasher returns the commitment hasher in use.
func (g *Gate) Hasher() *Hasher { return g.hasher }

// Fingerprint derives a device id with the configured scheme.
func (g *Gate) Fingerprint(env Environment) string {
	return g.cfg.Scheme.Fingerprint(env)
}

// Scheme is the configured fingerprint scheme.
func (g *Gate) Scheme() FingerprintScheme { return g.cfg.Scheme }

// Commit hashes sub under the configured commit timeout.
func (g *Gate) Commit(ctx context.Context, sub Submission) (string, error) {
	commitCtx, cancel := context.WithTimeout(ctx, g.cfg.CommitTimeout)
	defer cancel()

	start := time.Now()
	hash, err := g.hasher.Commit(commitCtx, sub)
	if g.onCommit != nil {
		g.onCommit(time.Since(start), err)
	}
	if err != nil {
		g.logger.WarnContext(ctx, "commitment failed",
			"module", "integrity",
			"operation", "commit",
			"outcome", "failure",
			"quest_id", sub.QuestID,
			"error", err.Error(),
		)
		return "", err
	}
	return hash, nil
}

// Evaluate runs one attempt through the gate. Validation failures and commit
// failures are returned as errors and nothing else is evaluated; rate-limit
// and anomaly findings are part of the Decision.
func (g *Gate) Evaluate(ctx context.Context, history SubmissionHistory, attempt Attempt) (Decision, error) {
	now := g.nowFn()

	sub, err := g.candidate(attempt, now)
	if err != nil {
		return Decision{}, err
	}

	sub.DeviceID = g.Fingerprint(attempt.Environment)

	hash, err := g.Commit(ctx, sub)
	if err != nil {
		return Decision{}, err
	}
	sub.CommitmentHash = hash

	limits := g.cfg.Limits.Check(history, now)
	anomalies := DetectAnomalies(history, g.catalog, now)
	if g.cfg.DetectAutomation {
		anomalies = append(anomalies, DetectAutomatedClient(attempt.Environment)...)
	}
	score := CalculateAnomalyScore(anomalies)
	status := GetAnomalyStatus(score)

	verdict := VerdictAccept
	switch {
	case !limits.Allowed:
		verdict = VerdictReject
	case status.Level == LevelHighRisk:
		verdict = g.cfg.HighRiskVerdict
	}

	g.logger.DebugContext(ctx, "submission evaluated",
		"module", "integrity",
		"operation", "evaluate",
		"outcome", string(verdict),
		"quest_id", sub.QuestID,
		"device_fingerprint", sub.DeviceID,
		"score", score,
		"violations", len(limits.Violations),
		"anomalies", len(anomalies),
	)

	return Decision{
		Verdict:           verdict,
		Accepted:          verdict == VerdictAccept,
		Allowed:           limits.Allowed,
		Violations:        limits.Violations,
		Anomalies:         anomalies,
		Score:             score,
		Status:            status,
		CommitmentHash:    hash,
		DeviceFingerprint: sub.DeviceID,
		Submission:        sub,
	}, nil
}

// Assess scores a history without a new attempt: the read model behind a
// user's dashboard.
func (g *Gate) Assess(history SubmissionHistory) (RateLimitResult, []Anomaly, int, AnomalyStatus) {
	now := g.nowFn()
	limits := g.cfg.Limits.Check(history, now)
	anomalies := DetectAnomalies(history, g.catalog, now)
	score := CalculateAnomalyScore(anomalies)
	return limits, anomalies, score, GetAnomalyStatus(score)
}

func (g *Gate) candidate(attempt Attempt, now time.Time) (Submission, error) {
	questID := strings.TrimSpace(attempt.QuestID)
	if questID == "" {
		return Submission{}, &ValidationError{Field: "questId", Reason: "missing"}
	}

	ts := now.UTC()
	if strings.TrimSpace(attempt.Timestamp) != "" {
		parsed, err := ParseTimestamp(attempt.Timestamp)
		if err != nil {
			return Submission{}, err
		}
		ts = parsed
		if skew := g.cfg.MaxClockSkew; skew > 0 && (ts.Before(now.Add(-skew)) || ts.After(now.Add(skew))) {
			return Submission{}, &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("more than %s away from server time", skew)}
		}
	}

	return Submission{
		QuestID:     questID,
		Timestamp:   ts.Truncate(time.Millisecond),
		Description: attempt.Description,
	}, nil
}
