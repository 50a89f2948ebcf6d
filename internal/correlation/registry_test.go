package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/anchorflow/pkg/types"
)

func TestRegistry_PruneByAgeThenSize(t *testing.T) {
	r := newRegistry(2, 24*time.Hour)
	add := func(id string, last time.Time) {
		r.add(&types.TemporalCorrelation{ID: id, PatternType: types.PatternCyclical, Scope: id, OccurrenceFrequency: 3, LastOccurrence: last})
	}
	add("stale", t0.Add(-48*time.Hour))
	add("old", t0.Add(-2*time.Hour))
	add("mid", t0.Add(-time.Hour))
	add("new", t0)

	removed := r.prune(t0)

	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, r.size())
	assert.False(t, r.contains("stale"))
	assert.False(t, r.contains("old"))

	f, ok := r.frequency("new")
	assert.True(t, ok)
	assert.Equal(t, 3, f)

	e, ok := r.lookup("mid")
	assert.True(t, ok)
	assert.Equal(t, "cyclical|mid", e.signature)

	r.reset()
	assert.Zero(t, r.size())
}
