package integrity

const (
	maxScore       = 100
	cautionAtScore = 20
	highRiskScore  = 50
)

// CalculateAnomalyScore sums the finding scores and clamps to [0, 100].
func CalculateAnomalyScore(anomalies []Anomaly) int {
	total := 0
	for _, a := range anomalies {
		if a.Score > 0 {
			total += a.Score
		}
		if total >= maxScore {
			return maxScore
		}
	}
	return total
}

// GetAnomalyStatus maps a score onto its tier. Every int has a tier.
func GetAnomalyStatus(score int) AnomalyStatus {
	switch {
	case score < cautionAtScore:
		return AnomalyStatus{Level: LevelSafe, Color: "green", Message: "✓ Normal Behavior"}
	case score < highRiskScore:
		return AnomalyStatus{Level: LevelCaution, Color: "yellow", Message: "⚠ Monitor Activity"}
	default:
		return AnomalyStatus{Level: LevelHighRisk, Color: "red", Message: "🚨 Review Required"}
	}
}
