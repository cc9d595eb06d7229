package integrity

import (
	"fmt"
	"math"
	"time"
)

// Limits are the hard velocity caps.
type Limits struct {
	PerHour  int           `yaml:"per_hour"`
	PerDay   int           `yaml:"per_day"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultLimits: 5 per hour, 15 per day, 15 minutes between submissions.
func DefaultLimits() Limits {
	return Limits{PerHour: 5, PerDay: 15, Cooldown: 15 * time.Minute}
}

// CheckRateLimits evaluates history against the default limits.
func CheckRateLimits(history SubmissionHistory, now time.Time) RateLimitResult {
	return DefaultLimits().Check(history, now)
}

// Check evaluates the three caps independently; every breached cap adds a
// violation. The attempt is allowed only when none was breached.
func (l Limits) Check(history SubmissionHistory, now time.Time) RateLimitResult {
	violations := make([]string, 0, 3)

	lastHour := history.countSince(now.Add(-time.Hour))
	lastDay := history.countSince(now.Add(-24 * time.Hour))

	if lastHour >= l.PerHour {
		violations = append(violations, fmt.Sprintf("You've reached the %d submissions/hour limit.", l.PerHour))
	}
	if lastDay >= l.PerDay {
		violations = append(violations, fmt.Sprintf("You've reached the %d submissions/day limit.", l.PerDay))
	}

	if history.LastSubmissionTime != nil {
		since := now.Sub(*history.LastSubmissionTime)
		if since < l.Cooldown {
			wait := int(math.Ceil((l.Cooldown - since).Minutes()))
			violations = append(violations, fmt.Sprintf("Wait %d more minutes.", wait))
		}
	}

	return RateLimitResult{Allowed: len(violations) == 0, Violations: violations}
}
