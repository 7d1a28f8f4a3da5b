//go:build sqlite_vec && cgo

package store

import (
	"encoding/json"
	"fmt"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"codepilot/internal/logging"
	"codepilot/internal/types"
)

const driverName = "sqlite3"

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver.
	// vec.Auto() registers it as an auto-loadable extension.
	vec.Auto()
}

// queryChunksAccel pushes cosine scoring into SQLite via the sqlite-vec
// vec_distance_cosine function, so filtering, ordering, and the LIMIT all
// happen inside the database. Embeddings are stored as JSON arrays, which
// sqlite-vec parses directly. Caller holds the read lock.
func (s *LocalStore) queryChunksAccel(queryVec []float32, k int, filters types.ChunkFilters) ([]types.RetrievedChunk, bool, error) {
	qJSON, err := json.Marshal(queryVec)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode query vector: %w", err)
	}

	query := `SELECT source_path, start_byte, end_byte, language, content,
	                 vec_distance_cosine(embedding, ?) AS dist
	          FROM chunks WHERE embedding IS NOT NULL`
	args := []any{string(qJSON)}
	if filters.PathPrefix != "" {
		query += " AND source_path LIKE ?"
		args = append(args, filters.PathPrefix+"%")
	}
	if filters.Language != "" {
		query += " AND language = ?"
		args = append(args, filters.Language)
	}
	query += " ORDER BY dist ASC, source_path ASC, start_byte ASC LIMIT ?"
	args = append(args, k)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Accelerated chunk query failed: %v", err)
		return nil, false, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var out []types.RetrievedChunk
	for rows.Next() {
		var c types.RetrievedChunk
		var dist float64
		if err := rows.Scan(&c.SourcePath, &c.StartByte, &c.EndByte, &c.Language, &c.Text, &dist); err != nil {
			return nil, false, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Score = 1 - dist
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	logging.StoreDebug("QueryChunks (sqlite-vec) returned %d results (k=%d)", len(out), k)
	return out, true, nil
}
