package correlation

import (
	"sort"
	"sync"
	"time"

	"github.com/scrypster/anchorflow/pkg/types"
)

// registryEntry remembers an accepted correlation.
type registryEntry struct {
	signature      string
	pattern        types.PatternType
	frequency      int
	lastOccurrence time.Time
}

// registry de-duplicates accepted correlations across overlapping windows
// and processing cycles, and maps feedback ids back to signatures.
type registry struct {
	maxSize   int
	retention time.Duration

	mu      sync.RWMutex
	entries map[string]registryEntry
}

func newRegistry(maxSize int, retention time.Duration) *registry {
	return &registry{maxSize: maxSize, retention: retention, entries: make(map[string]registryEntry)}
}

func (r *registry) contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

func (r *registry) add(c *types.TemporalCorrelation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[c.ID] = registryEntry{
		signature:      c.Signature(),
		pattern:        c.PatternType,
		frequency:      c.OccurrenceFrequency,
		lastOccurrence: c.LastOccurrence,
	}
}

func (r *registry) lookup(id string) (registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *registry) frequency(id string) (int, bool) {
	e, ok := r.lookup(id)
	return e.frequency, ok
}

// prune drops entries older than retention relative to now, then the oldest
// entries beyond maxSize. It returns how many were removed.
func (r *registry) prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	if r.retention > 0 {
		cutoff := now.Add(-r.retention)
		for id, e := range r.entries {
			if e.lastOccurrence.Before(cutoff) {
				delete(r.entries, id)
				removed++
			}
		}
	}
	if r.maxSize > 0 && len(r.entries) > r.maxSize {
		ids := make([]string, 0, len(r.entries))
		for id := range r.entries {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return r.entries[ids[i]].lastOccurrence.Before(r.entries[ids[j]].lastOccurrence)
		})
		for _, id := range ids[:len(ids)-r.maxSize] {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry) reset() {
	r.mu.Lock()
	r.entries = make(map[string]registryEntry)
	r.mu.Unlock()
}
