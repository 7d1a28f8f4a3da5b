package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"codepilot/internal/embedding"
	"codepilot/internal/logging"
	"codepilot/internal/types"
)

// =============================================================================
// VECTOR INDEX (code chunks + embeddings)
// =============================================================================

// Chunk is one embeddable slice of a source file.
type Chunk struct {
	SourcePath string
	StartByte  int
	EndByte    int
	Language   string
	Content    string
	Embedding  []float32
}

// ContentHash returns a stable fingerprint of the chunk text, used to skip
// re-embedding unchanged chunks on re-index.
func (c *Chunk) ContentHash() string {
	sum := sha256.Sum256([]byte(c.Content))
	return hex.EncodeToString(sum[:])
}

// UpsertChunks replaces the indexed chunks for each source path touched by
// the batch. Chunks whose content hash is unchanged keep their stored
// embedding when the incoming chunk carries none.
func (s *LocalStore) UpsertChunks(chunks []Chunk) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertChunks")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Upserting %d chunks", len(chunks))

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin chunk transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range chunks {
		var embJSON any
		if len(c.Embedding) > 0 {
			b, merr := json.Marshal(c.Embedding)
			if merr != nil {
				return fmt.Errorf("failed to encode embedding: %w", merr)
			}
			embJSON = string(b)
		}
		_, err := tx.Exec(
			`INSERT INTO chunks (source_path, start_byte, end_byte, language, content, embedding, content_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (source_path, start_byte, end_byte) DO UPDATE SET
			   language = excluded.language,
			   content = excluded.content,
			   embedding = COALESCE(excluded.embedding, chunks.embedding),
			   content_hash = excluded.content_hash`,
			c.SourcePath, c.StartByte, c.EndByte, c.Language, c.Content, embJSON, c.ContentHash(),
		)
		if err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to upsert chunk %s[%d:%d]: %v", c.SourcePath, c.StartByte, c.EndByte, err)
			return fmt.Errorf("failed to upsert chunk: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteChunksForPath removes every indexed chunk for the given file.
// Called when a file is deleted or before a full re-index of it.
func (s *LocalStore) DeleteChunksForPath(sourcePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Deleting chunks for path: %s", sourcePath)

	_, err := s.db.Exec("DELETE FROM chunks WHERE source_path = ?", sourcePath)
	if err != nil {
		return fmt.Errorf("failed to delete chunks for %s: %w", sourcePath, err)
	}
	return nil
}

// ChunkHashes returns content hashes keyed by "path:start:end" for one file,
// letting the indexer skip unchanged chunks.
func (s *LocalStore) ChunkHashes(sourcePath string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT start_byte, end_byte, content_hash FROM chunks WHERE source_path = ?", sourcePath,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var start, end int
		var hash string
		if err := rows.Scan(&start, &end, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan chunk hash: %w", err)
		}
		hashes[fmt.Sprintf("%s:%d:%d", sourcePath, start, end)] = hash
	}
	return hashes, rows.Err()
}

// QueryChunks scores every embedded chunk against queryVec with cosine
// similarity and returns the top k, filtered first by path prefix and
// language. Ties break on source path then start byte so results are
// deterministic for identical inputs.
func (s *LocalStore) QueryChunks(queryVec []float32, k int, filters types.ChunkFilters) ([]types.RetrievedChunk, error) {
	timer := logging.StartTimer(logging.CategoryStore, "QueryChunks")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 5
	}

	// The sqlite-vec build scores inside the database.
	if out, handled, err := s.queryChunksAccel(queryVec, k, filters); handled || err != nil {
		return out, err
	}

	query := "SELECT source_path, start_byte, end_byte, language, content, embedding FROM chunks WHERE embedding IS NOT NULL"
	var args []any
	if filters.PathPrefix != "" {
		query += " AND source_path LIKE ?"
		args = append(args, filters.PathPrefix+"%")
	}
	if filters.Language != "" {
		query += " AND language = ?"
		args = append(args, filters.Language)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to query chunks: %v", err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var scored []types.RetrievedChunk
	for rows.Next() {
		var c types.RetrievedChunk
		var embJSON string
		if err := rows.Scan(&c.SourcePath, &c.StartByte, &c.EndByte, &c.Language, &c.Text, &embJSON); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			logging.StoreDebug("Skipping chunk with bad embedding: %s[%d:%d]: %v", c.SourcePath, c.StartByte, c.EndByte, err)
			continue
		}
		score, serr := embedding.CosineSimilarity(queryVec, vec)
		if serr != nil {
			logging.StoreDebug("Skipping chunk with mismatched embedding: %s[%d:%d]: %v", c.SourcePath, c.StartByte, c.EndByte, serr)
			continue
		}
		c.Score = score
		scored = append(scored, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].SourcePath != scored[j].SourcePath {
			return scored[i].SourcePath < scored[j].SourcePath
		}
		return scored[i].StartByte < scored[j].StartByte
	})
	if len(scored) > k {
		scored = scored[:k]
	}

	logging.StoreDebug("QueryChunks returned %d results (k=%d)", len(scored), k)
	return scored, nil
}

// CountChunks reports the number of indexed chunks, used by status output.
func (s *LocalStore) CountChunks() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}
