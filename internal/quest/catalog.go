package quest

import (
	"fmt"
	"strings"

	"github.com/questgate/server/internal/integrity"
)

// Catalog is an immutable in-memory quest lookup.
type Catalog struct {
	byID map[string]integrity.Quest
}

// NewCatalog indexes quests by id. Duplicate or empty ids are rejected.
func NewCatalog(quests []integrity.Quest) (*Catalog, error) {
	byID := make(map[string]integrity.Quest, len(quests))
	for _, q := range quests {
		id := strings.TrimSpace(q.ID)
		if id == "" {
			return nil, fmt.Errorf("quest catalog: empty quest id")
		}
		if _, dup := byID[id]; dup {
			return nil, fmt.Errorf("quest catalog: duplicate quest id %q", id)
		}
		if q.TimeLimit < 0 {
			return nil, fmt.Errorf("quest catalog: quest %q has negative time limit", id)
		}
		q.ID = id
		byID[id] = q
	}
	return &Catalog{byID: byID}, nil
}

// Quest implements integrity.QuestCatalog.
func (c *Catalog) Quest(id string) (integrity.Quest, bool) {
	if c == nil {
		return integrity.Quest{}, false
	}
	q, ok := c.byID[strings.TrimSpace(id)]
	return q, ok
}

// Len is the number of quests in the catalog.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byID)
}
