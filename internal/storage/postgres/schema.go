package postgres

import "github.com/scrypster/anchorflow/internal/storage"

// signatureDims is the width of the anchor signature vector.
const signatureDims = 6

// migrations is the PostgreSQL schema history for the anchor store.
var migrations = []storage.Migration{
	{
		Version: 1,
		Name:    "memory_anchors",
		Up: `
			CREATE TABLE IF NOT EXISTS memory_anchors (
				id TEXT PRIMARY KEY,
				correlation_id TEXT NOT NULL,
				pattern_type TEXT NOT NULL,
				confidence_score DOUBLE PRECISION NOT NULL,
				window_start TIMESTAMPTZ NOT NULL,
				window_end TIMESTAMPTZ NOT NULL,
				window_precision TEXT NOT NULL,
				window_gap_ns BIGINT NOT NULL DEFAULT 0,
				cursors JSONB NOT NULL,
				metadata JSONB,
				created_at TIMESTAMPTZ NOT NULL,
				last_accessed_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_memory_anchors_correlation ON memory_anchors(correlation_id);
			CREATE INDEX IF NOT EXISTS idx_memory_anchors_pattern ON memory_anchors(pattern_type);
			CREATE INDEX IF NOT EXISTS idx_memory_anchors_created_at ON memory_anchors(created_at DESC);
		`,
	},
}

// signatureMigration adds the pgvector signature column. It is applied only
// when the vector extension is available.
const signatureMigration = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'memory_anchors' AND column_name = 'signature_vec'
    ) THEN
        ALTER TABLE memory_anchors ADD COLUMN signature_vec vector(6);
    END IF;
END
$$;
`
