package sqlite

import "github.com/scrypster/anchorflow/internal/storage"

// migrations is the SQLite schema history for the anchor store.
var migrations = []storage.Migration{
	{
		Version: 1,
		Name:    "memory_anchors",
		Up: `
			CREATE TABLE IF NOT EXISTS memory_anchors (
				id TEXT PRIMARY KEY,
				correlation_id TEXT NOT NULL,
				pattern_type TEXT NOT NULL,
				confidence_score REAL NOT NULL,
				window_start TIMESTAMP NOT NULL,
				window_end TIMESTAMP NOT NULL,
				window_precision TEXT NOT NULL,
				window_gap_ns INTEGER NOT NULL DEFAULT 0,
				cursors TEXT NOT NULL,
				metadata TEXT,
				created_at TIMESTAMP NOT NULL,
				last_accessed_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_memory_anchors_correlation ON memory_anchors(correlation_id);
			CREATE INDEX IF NOT EXISTS idx_memory_anchors_pattern ON memory_anchors(pattern_type);
		`,
	},
	{
		Version: 2,
		Name:    "memory_anchors_created_at_index",
		Up:      `CREATE INDEX IF NOT EXISTS idx_memory_anchors_created_at ON memory_anchors(created_at DESC);`,
	},
}
