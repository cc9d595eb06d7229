package quest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questgate/server/internal/integrity"
)

func TestCatalogLookup(t *testing.T) {
	c, err := NewCatalog([]integrity.Quest{
		{ID: "walk-30", TimeLimit: 30},
		{ID: " screen-free ", TimeLimit: 120},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	q, ok := c.Quest("walk-30")
	require.True(t, ok)
	assert.Equal(t, 30, q.TimeLimit)

	q, ok = c.Quest("screen-free")
	require.True(t, ok)
	assert.Equal(t, "screen-free", q.ID)

	_, ok = c.Quest("unknown")
	assert.False(t, ok)
}

func TestCatalogRejectsBadEntries(t *testing.T) {
	_, err := NewCatalog([]integrity.Quest{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)

	_, err = NewCatalog([]integrity.Quest{{ID: ""}})
	assert.Error(t, err)

	_, err = NewCatalog([]integrity.Quest{{ID: "x", TimeLimit: -1}})
	assert.Error(t, err)
}

func TestNilCatalogFindsNothing(t *testing.T) {
	var c *Catalog
	_, ok := c.Quest("anything")
	assert.False(t, ok)
}
