package integrity

import (
	"sort"
	"time"
)

// AnomalyType identifies the heuristic that produced a finding
type AnomalyType string

const (
	AnomalyVelocitySpike    AnomalyType = "VELOCITY_SPIKE"
	AnomalyImpossibleTiming AnomalyType = "IMPOSSIBLE_TIMING"
	AnomalyPerfectRecord    AnomalyType = "PERFECT_RECORD"
	AnomalyAutomatedClient  AnomalyType = "AUTOMATED_CLIENT"
)

// Severity of a single finding
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Level is the tier an anomaly score falls into
type Level string

const (
	LevelSafe     Level = "SAFE"
	LevelCaution  Level = "CAUTION"
	LevelHighRisk Level = "HIGH_RISK"
)

// Verdict is the gate's final answer for one attempt
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictFlag   Verdict = "flag"
	VerdictReject Verdict = "reject"
)

// Submission is a quest completion claim. ID is a storage key and is not
// bound by the commitment hash.
type Submission struct {
	ID             string    `json:"id,omitempty"`
	QuestID        string    `json:"questId"`
	Timestamp      time.Time `json:"timestamp"`
	DeviceID       string    `json:"deviceId"`
	Description    string    `json:"description"`
	CommitmentHash string    `json:"commitmentHash,omitempty"`
}

// SubmissionHistory is one user's prior submissions plus derived fields.
type SubmissionHistory struct {
	Submissions        []Submission `json:"submissions"`
	LastSubmissionTime *time.Time   `json:"lastSubmissionTime,omitempty"`
	VerificationRate   float64      `json:"verificationRate"`
}

// chronological returns the submissions ordered by timestamp. Equal
// timestamps keep their insertion order.
func (h SubmissionHistory) chronological() []Submission {
	out := make([]Submission, len(h.Submissions))
	copy(out, h.Submissions)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// countSince counts submissions strictly newer than cutoff.
func (h SubmissionHistory) countSince(cutoff time.Time) int {
	n := 0
	for _, s := range h.Submissions {
		if s.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// Quest is the catalog entry the engine needs: a minimum completion time.
type Quest struct {
	ID        string `json:"id" yaml:"id"`
	TimeLimit int    `json:"timeLimit" yaml:"time_limit"` // minutes
}

// QuestCatalog looks quests up by id.
type QuestCatalog interface {
	Quest(id string) (Quest, bool)
}

// DefaultQuestTimeLimit applies when a quest is not in the catalog.
const DefaultQuestTimeLimit = 60

// Anomaly is one scored finding
type Anomaly struct {
	Type     AnomalyType `json:"type"`
	Severity Severity    `json:"severity"`
	Message  string      `json:"message"`
	Score    int         `json:"score"`
}

// AnomalyStatus is the classified view of a score
type AnomalyStatus struct {
	Level   Level  `json:"level"`
	Color   string `json:"color"`
	Message string `json:"message"`
}

// RateLimitResult is the outcome of the velocity caps
type RateLimitResult struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations"`
}

// Environment is the device snapshot a fingerprint is derived from
type Environment struct {
	UserAgent string `json:"userAgent"`
	Language  string `json:"language"`
	Timezone  string `json:"timezone"`
	Platform  string `json:"platform"`
	Cores     int    `json:"cores"`
	Screen    string `json:"screen"` // "WxH"
}
