// Package store persists extraction results and chunk embeddings in SQLite.
// It implements cache.Cache, cache.Searcher and chunker.EmbeddingCache.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/goextract/cache"
	"github.com/brunobiangulo/goextract/result"
)

func init() {
	sqlite_vec.Auto()
}

// ErrNoVectorIndex is returned by SimilarChunks when the store was opened
// without an embedding dimension.
var ErrNoVectorIndex = errors.New("store: vector index disabled")

// Store wraps the SQLite database backing the extraction cache.
type Store struct {
	db           *sql.DB
	embeddingDim int

	hits   atomic.Int64
	misses atomic.Int64
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema. A positive embeddingDim creates the sqlite-vec
// index; chunks whose embeddings have another dimension are cached but not
// indexed.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	ddl := schemaSQL()
	if embeddingDim > 0 {
		ddl += vectorSQL(embeddingDim)
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Extraction cache ---

// Get returns the cached result for key.
func (s *Store) Get(ctx context.Context, key string) (*result.ExtractionResult, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM extraction_cache WHERE cache_key = ?", key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}

	res, err := result.DecodeWire(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decoding cache entry %s: %w", key, err)
	}
	s.hits.Add(1)

	if _, err := s.db.ExecContext(ctx, `
		UPDATE extraction_cache SET hit_count = hit_count + 1, last_hit_at = CURRENT_TIMESTAMP
		WHERE cache_key = ?`, key); err != nil {
		return nil, false, fmt.Errorf("recording cache hit: %w", err)
	}
	return res, true, nil
}

// Put stores res under key, replacing any previous entry and its indexed
// chunks.
func (s *Store) Put(ctx context.Context, key string, res *result.ExtractionResult) error {
	payload, err := result.EncodeWire(res)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.deleteChunks(ctx, tx, "WHERE cache_key = ?", key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO extraction_cache (cache_key, mime_type, payload, size_bytes)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(cache_key) DO UPDATE SET
				mime_type = excluded.mime_type,
				payload = excluded.payload,
				size_bytes = excluded.size_bytes,
				created_at = CURRENT_TIMESTAMP,
				hit_count = 0,
				last_hit_at = NULL`,
			key, res.MimeType, payload, len(payload)); err != nil {
			return fmt.Errorf("writing cache entry: %w", err)
		}

		for _, c := range res.Chunks {
			if len(c.Embedding) == 0 {
				continue
			}
			var firstPage sql.NullInt64
			if c.Metadata.FirstPage != nil {
				firstPage = sql.NullInt64{Int64: int64(*c.Metadata.FirstPage), Valid: true}
			}
			r, err := tx.ExecContext(ctx, `
				INSERT INTO cached_chunks (cache_key, chunk_index, content, first_page)
				VALUES (?, ?, ?, ?)`,
				key, c.Metadata.ChunkIndex, c.Content, firstPage)
			if err != nil {
				return fmt.Errorf("writing cached chunk: %w", err)
			}
			if s.embeddingDim <= 0 || len(c.Embedding) != s.embeddingDim {
				continue
			}
			id, err := r.LastInsertId()
			if err != nil {
				return err
			}
			blob, err := sqlite_vec.SerializeFloat32(c.Embedding)
			if err != nil {
				return fmt.Errorf("serializing chunk embedding: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)", id, blob); err != nil {
				return fmt.Errorf("indexing chunk embedding: %w", err)
			}
		}
		return nil
	})
}

// Delete removes one cache entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.deleteChunks(ctx, tx, "WHERE cache_key = ?", key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM extraction_cache WHERE cache_key = ?", key)
		return err
	})
}

// Clear removes every cached result and embedding.
func (s *Store) Clear(ctx context.Context) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.deleteChunks(ctx, tx, ""); err != nil {
			return err
		}
		for _, q := range []string{
			"DELETE FROM extraction_cache",
			"DELETE FROM embedding_cache",
		} {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("clearing cache: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.hits.Store(0)
	s.misses.Store(0)
	return nil
}

// deleteChunks removes cached_chunks rows matching where, and their vectors.
// vec0 tables do not take part in foreign key cascades.
func (s *Store) deleteChunks(ctx context.Context, tx *sql.Tx, where string, args ...any) error {
	if s.embeddingDim > 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_chunks WHERE chunk_id IN (SELECT id FROM cached_chunks "+where+")", args...); err != nil {
			return fmt.Errorf("deleting chunk vectors: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cached_chunks "+where, args...); err != nil {
		return fmt.Errorf("deleting cached chunks: %w", err)
	}
	return nil
}

// Stats reports entry counts and this process's hit ratio.
func (s *Store) Stats(ctx context.Context) (cache.Stats, error) {
	st := cache.Stats{
		Backend: "sqlite",
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM extraction_cache").Scan(&st.Entries, &st.Bytes); err != nil {
		return st, fmt.Errorf("counting cache entries: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM embedding_cache").Scan(&st.Embeddings); err != nil {
		return st, fmt.Errorf("counting embeddings: %w", err)
	}
	return st, nil
}

// --- Embedding cache ---

// GetEmbeddings returns cached vectors for the given content hashes under
// model. Missing hashes are absent from the map.
func (s *Store) GetEmbeddings(ctx context.Context, model string, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	// Stay well under SQLITE_MAX_VARIABLE_NUMBER.
	const batch = 500
	for start := 0; start < len(hashes); start += batch {
		part := hashes[start:min(start+batch, len(hashes))]
		args := make([]any, 0, len(part)+1)
		args = append(args, model)
		for _, h := range part {
			args = append(args, h)
		}
		rows, err := s.db.QueryContext(ctx,
			"SELECT content_hash, vector FROM embedding_cache WHERE model = ? AND content_hash IN (?"+
				repeatPlaceholders(len(part)-1)+")", args...)
		if err != nil {
			return nil, fmt.Errorf("reading embeddings: %w", err)
		}
		for rows.Next() {
			var hash string
			var blob []byte
			if err := rows.Scan(&hash, &blob); err != nil {
				rows.Close()
				return nil, err
			}
			out[hash] = deserializeFloat32(blob)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// PutEmbeddings stores raw vectors under model.
func (s *Store) PutEmbeddings(ctx context.Context, model string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO embedding_cache (model, content_hash, dimensions, vector)
			VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for hash, v := range vectors {
			blob, err := sqlite_vec.SerializeFloat32(v)
			if err != nil {
				return fmt.Errorf("serializing embedding: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, model, hash, len(v), blob); err != nil {
				return fmt.Errorf("writing embedding: %w", err)
			}
		}
		return nil
	})
}

// --- Vector search ---

// SimilarChunks performs a KNN search over the embedded chunks of cached
// results. Score is cosine similarity.
func (s *Store) SimilarChunks(ctx context.Context, vector []float32, k int) ([]cache.Match, error) {
	if s.embeddingDim <= 0 {
		return nil, ErrNoVectorIndex
	}
	if len(vector) != s.embeddingDim {
		return nil, fmt.Errorf("store: query vector has %d dimensions, index has %d", len(vector), s.embeddingDim)
	}
	if k <= 0 {
		return nil, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.distance, c.cache_key, c.chunk_index, c.content, c.first_page
		FROM vec_chunks v
		JOIN cached_chunks c ON c.id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, blob, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []cache.Match
	for rows.Next() {
		var m cache.Match
		var distance float64
		var firstPage sql.NullInt64
		if err := rows.Scan(&distance, &m.Key, &m.ChunkIndex, &m.Content, &firstPage); err != nil {
			return nil, err
		}
		m.FirstPage = int(firstPage.Int64)
		m.Score = 1.0 - distance
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	return strings.Repeat(", ?", n)
}

// deserializeFloat32 reverses sqlite_vec.SerializeFloat32.
func deserializeFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
