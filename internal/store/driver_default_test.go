//go:build !sqlite_vec || !cgo

package store

import (
	"testing"

	"codepilot/internal/types"
)

// The pure-Go driver has no SQL-side scoring; QueryChunks must take the
// in-process cosine path and still rank correctly.
func TestQueryChunksFallsBackWithoutAcceleration(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertChunks(testChunks()); err != nil {
		t.Fatalf("UpsertChunks failed: %v", err)
	}

	out, handled, err := s.queryChunksAccel([]float32{1, 0, 0}, 2, types.ChunkFilters{})
	if err != nil {
		t.Fatalf("queryChunksAccel failed: %v", err)
	}
	if handled || out != nil {
		t.Fatalf("Expected no acceleration on the default driver, got handled=%v out=%v", handled, out)
	}

	results, err := s.QueryChunks([]float32{1, 0, 0}, 2, types.ChunkFilters{})
	if err != nil {
		t.Fatalf("QueryChunks failed: %v", err)
	}
	if len(results) != 2 || results[0].SourcePath != "pkg/a.go" {
		t.Fatalf("In-process scan returned wrong ranking: %+v", results)
	}
}
