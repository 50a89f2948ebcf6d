package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/anchorflow/internal/storage"
	"github.com/scrypster/anchorflow/internal/storage/postgres"
	"github.com/scrypster/anchorflow/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.AnchorStore {
	t.Helper()

	store, err := postgres.NewAnchorStore(context.Background(), postgresTestDSN(t), postgres.DefaultConfig(), nil)
	require.NoError(t, err, "NewAnchorStore should succeed")
	require.NoError(t, store.TruncateForTest(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestAnchor(id string, gap time.Duration, confidence float64) *types.MemoryAnchor {
	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	return &types.MemoryAnchor{
		ID:      id,
		Cursors: []types.Cursor{{Role: types.CursorRolePrimary, EventID: "e-" + id, Timestamp: start}},
		Window: types.TemporalWindow{
			Start: start, End: start.Add(gap), Gap: gap, Precision: types.PrecisionForGap(gap),
		},
		Metadata: map[string]interface{}{
			"correlation_id":       "corr-" + id,
			"pattern_type":         "sequential",
			"occurrence_frequency": 4,
			"pattern_stability":    0.9,
		},
		ConfidenceScore: confidence,
	}
}

func TestSignature_Shape(t *testing.T) {
	sig := postgres.Signature(newTestAnchor("a", 10*time.Minute, 0.8))
	require.Len(t, sig, 6)
	assert.InDelta(t, 0.8, sig[4], 1e-6)
	assert.InDelta(t, 0.9, sig[3], 1e-6)
	assert.InDelta(t, 1.0/3, sig[5], 1e-6)
	for _, v := range sig {
		assert.GreaterOrEqual(t, v, float32(0))
	}
}

func TestCreateMemoryAnchor_Upsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateMemoryAnchor(ctx, newTestAnchor("anchor:1", time.Minute, 0.75))
	require.NoError(t, err)
	stored, err := store.CreateMemoryAnchor(ctx, newTestAnchor("anchor:1", time.Minute, 0.85))
	require.NoError(t, err)
	assert.InDelta(t, 0.85, stored.ConfidenceScore, 1e-9)

	list, err := store.ListMemoryAnchors(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetMemoryAnchor_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetMemoryAnchor(context.Background(), "anchor:nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindSimilarAnchors(t *testing.T) {
	store := newTestStore(t)
	if !store.VectorSearchAvailable() {
		t.Skip("pgvector not installed")
	}
	ctx := context.Background()

	for _, a := range []*types.MemoryAnchor{
		newTestAnchor("anchor:near", 11*time.Minute, 0.8),
		newTestAnchor("anchor:far", 30*24*time.Hour, 0.3),
	} {
		_, err := store.CreateMemoryAnchor(ctx, a)
		require.NoError(t, err)
	}

	similar, err := store.FindSimilarAnchors(ctx, newTestAnchor("anchor:probe", 10*time.Minute, 0.8), 1)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, "anchor:near", similar[0].ID)
}
