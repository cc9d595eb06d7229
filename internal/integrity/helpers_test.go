package integrity

import "time"

var baseTime = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type mapCatalog map[string]int

func (m mapCatalog) Quest(id string) (Quest, bool) {
	limit, ok := m[id]
	if !ok {
		return Quest{}, false
	}
	return Quest{ID: id, TimeLimit: limit}, true
}

// submissionsAgo builds submissions at now minus each offset, oldest first
// when offsets are given in descending order.
func submissionsAgo(now time.Time, questID string, offsets ...time.Duration) []Submission {
	out := make([]Submission, 0, len(offsets))
	for _, off := range offsets {
		out = append(out, Submission{QuestID: questID, Timestamp: now.Add(-off)})
	}
	return out
}

func ptr[T any](v T) *T { return &v }
