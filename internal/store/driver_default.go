//go:build !sqlite_vec || !cgo

package store

import (
	_ "modernc.org/sqlite"

	"codepilot/internal/types"
)

// Pure-Go driver, no cgo required.
const driverName = "sqlite"

// queryChunksAccel reports no acceleration on the pure-Go driver, leaving
// QueryChunks to its in-process cosine scan.
func (s *LocalStore) queryChunksAccel([]float32, int, types.ChunkFilters) ([]types.RetrievedChunk, bool, error) {
	return nil, false, nil
}
