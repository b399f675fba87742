package store

import "fmt"

// schemaSQL returns the DDL for the cache tables.
func schemaSQL() string {
	return `
-- Finished extraction results, stored in wire form
CREATE TABLE IF NOT EXISTS extraction_cache (
    cache_key TEXT PRIMARY KEY,
    mime_type TEXT NOT NULL,
    payload BLOB NOT NULL,
    size_bytes INTEGER NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Embedded chunks of cached results, addressable by the vector index
CREATE TABLE IF NOT EXISTS cached_chunks (
    id INTEGER PRIMARY KEY,
    cache_key TEXT NOT NULL REFERENCES extraction_cache(cache_key) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    first_page INTEGER,
    UNIQUE(cache_key, chunk_index)
);

-- Raw embeddings keyed by model and content hash
CREATE TABLE IF NOT EXISTS embedding_cache (
    model TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    vector BLOB NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (model, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_cached_chunks_key ON cached_chunks(cache_key);
`
}

// vectorSQL returns the DDL for the sqlite-vec index over cached chunks.
func vectorSQL(embeddingDim int) string {
	return fmt.Sprintf(`
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);
`, embeddingDim)
}
