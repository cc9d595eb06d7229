package integrity

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	velocityWindow     = time.Hour
	velocityMax        = 5
	velocityPerItem    = 8
	velocityScoreCap   = 40
	timingGraceMinutes = 5
	timingScore        = 35
	perfectRecordMin   = 20
	perfectRecordScore = 10
	automationScore    = 25
)

// DetectAnomalies runs the history heuristics and returns their findings as
// a flat list. The heuristics are independent; nothing is deduplicated.
func DetectAnomalies(history SubmissionHistory, catalog QuestCatalog, now time.Time) []Anomaly {
	anomalies := make([]Anomaly, 0)
	anomalies = append(anomalies, detectVelocitySpike(history, now)...)
	anomalies = append(anomalies, detectImpossibleTiming(history, catalog)...)
	anomalies = append(anomalies, detectPerfectRecord(history)...)
	return anomalies
}

func detectVelocitySpike(history SubmissionHistory, now time.Time) []Anomaly {
	recent := history.countSince(now.Add(-velocityWindow))
	if recent <= velocityMax {
		return nil
	}
	return []Anomaly{{
		Type:     AnomalyVelocitySpike,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("%d submissions in last hour (max: %d)", recent, velocityMax),
		Score:    min(velocityScoreCap, recent*velocityPerItem),
	}}
}

// detectImpossibleTiming checks every adjacent pair, so a history of N
// submissions can yield up to N-1 findings.
func detectImpossibleTiming(history SubmissionHistory, catalog QuestCatalog) []Anomaly {
	subs := history.chronological()
	var results []Anomaly
	for i := 1; i < len(subs); i++ {
		prev, cur := subs[i-1], subs[i]
		elapsed := cur.Timestamp.Sub(prev.Timestamp).Minutes()
		required := questTimeLimit(catalog, cur.QuestID) + timingGraceMinutes

		if elapsed < float64(required) {
			results = append(results, Anomaly{
				Type:     AnomalyImpossibleTiming,
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("Quest completed %smin after previous (minimum: %dmin)", formatMinutes(elapsed), required),
				Score:    timingScore,
			})
		}
	}
	return results
}

func detectPerfectRecord(history SubmissionHistory) []Anomaly {
	if len(history.Submissions) <= perfectRecordMin || history.VerificationRate != 1.0 {
		return nil
	}
	return []Anomaly{{
		Type:     AnomalyPerfectRecord,
		Severity: SeverityLow,
		Message:  fmt.Sprintf("100%% verification rate with %d+ submissions (unlikely)", perfectRecordMin),
		Score:    perfectRecordScore,
	}}
}

// DetectAutomatedClient flags environments whose user agent identifies a
// headless browser, automation driver or scripted HTTP client.
func DetectAutomatedClient(env Environment) []Anomaly {
	info := ParseUserAgent(env.UserAgent)
	if !info.IsBot && !info.IsHeadless {
		return nil
	}
	name := info.BotName
	if name == "" {
		name = "headless browser"
	}
	return []Anomaly{{
		Type:     AnomalyAutomatedClient,
		Severity: SeverityMedium,
		Message:  fmt.Sprintf("Submission sent by an automated client (%s)", name),
		Score:    automationScore,
	}}
}

func questTimeLimit(catalog QuestCatalog, questID string) int {
	if catalog == nil {
		return DefaultQuestTimeLimit
	}
	if q, ok := catalog.Quest(questID); ok && q.TimeLimit > 0 {
		return q.TimeLimit
	}
	return DefaultQuestTimeLimit
}

// formatMinutes keeps one decimal place and drops it for whole minutes.
func formatMinutes(m float64) string {
	return strconv.FormatFloat(math.Round(m*10)/10, 'f', -1, 64)
}
