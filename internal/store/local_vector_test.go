package store

import (
	"testing"

	"codepilot/internal/types"
)

func testChunks() []Chunk {
	return []Chunk{
		{SourcePath: "pkg/a.go", StartByte: 0, EndByte: 100, Language: "go", Content: "func A() {}", Embedding: []float32{1, 0, 0}},
		{SourcePath: "pkg/a.go", StartByte: 90, EndByte: 200, Language: "go", Content: "func B() {}", Embedding: []float32{0.9, 0.1, 0}},
		{SourcePath: "lib/c.py", StartByte: 0, EndByte: 80, Language: "python", Content: "def c(): pass", Embedding: []float32{0, 1, 0}},
		{SourcePath: "pkg/d.go", StartByte: 0, EndByte: 50, Language: "go", Content: "var D int", Embedding: []float32{0, 0, 1}},
	}
}

func TestQueryChunksRanking(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertChunks(testChunks()); err != nil {
		t.Fatalf("UpsertChunks failed: %v", err)
	}

	results, err := s.QueryChunks([]float32{1, 0, 0}, 2, types.ChunkFilters{})
	if err != nil {
		t.Fatalf("QueryChunks failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].SourcePath != "pkg/a.go" || results[0].StartByte != 0 {
		t.Errorf("Expected exact match first, got %+v", results[0])
	}
	if results[1].StartByte != 90 {
		t.Errorf("Expected near match second, got %+v", results[1])
	}
	if results[0].Score < results[1].Score {
		t.Errorf("Scores not descending: %f < %f", results[0].Score, results[1].Score)
	}
}

func TestQueryChunksFilters(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertChunks(testChunks()); err != nil {
		t.Fatalf("UpsertChunks failed: %v", err)
	}

	byLang, err := s.QueryChunks([]float32{1, 1, 1}, 10, types.ChunkFilters{Language: "python"})
	if err != nil {
		t.Fatalf("QueryChunks failed: %v", err)
	}
	if len(byLang) != 1 || byLang[0].SourcePath != "lib/c.py" {
		t.Errorf("Language filter mismatch: %+v", byLang)
	}

	byPath, err := s.QueryChunks([]float32{1, 1, 1}, 10, types.ChunkFilters{PathPrefix: "pkg/"})
	if err != nil {
		t.Fatalf("QueryChunks failed: %v", err)
	}
	if len(byPath) != 3 {
		t.Errorf("Expected 3 pkg/ chunks, got %d", len(byPath))
	}
	for _, c := range byPath {
		if c.Language != "go" {
			t.Errorf("Unexpected chunk in path filter: %+v", c)
		}
	}
}

func TestQueryChunksDeterministicOrder(t *testing.T) {
	s := newTestStore(t)
	// Identical embeddings force score ties; ordering must fall back to
	// path then start byte.
	chunks := []Chunk{
		{SourcePath: "b.go", StartByte: 0, EndByte: 10, Content: "b", Embedding: []float32{1, 0}},
		{SourcePath: "a.go", StartByte: 5, EndByte: 15, Content: "a2", Embedding: []float32{1, 0}},
		{SourcePath: "a.go", StartByte: 0, EndByte: 10, Content: "a1", Embedding: []float32{1, 0}},
	}
	if err := s.UpsertChunks(chunks); err != nil {
		t.Fatalf("UpsertChunks failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		results, err := s.QueryChunks([]float32{1, 0}, 3, types.ChunkFilters{})
		if err != nil {
			t.Fatalf("QueryChunks failed: %v", err)
		}
		want := []struct {
			path  string
			start int
		}{{"a.go", 0}, {"a.go", 5}, {"b.go", 0}}
		for j, w := range want {
			if results[j].SourcePath != w.path || results[j].StartByte != w.start {
				t.Fatalf("Run %d result %d = %s[%d], want %s[%d]",
					i, j, results[j].SourcePath, results[j].StartByte, w.path, w.start)
			}
		}
	}
}

func TestUpsertChunksIdempotent(t *testing.T) {
	s := newTestStore(t)
	chunks := testChunks()
	if err := s.UpsertChunks(chunks); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}
	if err := s.UpsertChunks(chunks); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	n, err := s.CountChunks()
	if err != nil {
		t.Fatalf("CountChunks failed: %v", err)
	}
	if n != len(chunks) {
		t.Errorf("Expected %d chunks after re-upsert, got %d", len(chunks), n)
	}
}

func TestDeleteChunksForPath(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertChunks(testChunks()); err != nil {
		t.Fatalf("UpsertChunks failed: %v", err)
	}
	if err := s.DeleteChunksForPath("pkg/a.go"); err != nil {
		t.Fatalf("DeleteChunksForPath failed: %v", err)
	}

	results, err := s.QueryChunks([]float32{1, 0, 0}, 10, types.ChunkFilters{})
	if err != nil {
		t.Fatalf("QueryChunks failed: %v", err)
	}
	for _, c := range results {
		if c.SourcePath == "pkg/a.go" {
			t.Errorf("Deleted path still returned: %+v", c)
		}
	}
}

func TestChunkHashes(t *testing.T) {
	s := newTestStore(t)
	chunks := testChunks()
	if err := s.UpsertChunks(chunks); err != nil {
		t.Fatalf("UpsertChunks failed: %v", err)
	}

	hashes, err := s.ChunkHashes("pkg/a.go")
	if err != nil {
		t.Fatalf("ChunkHashes failed: %v", err)
	}
	if len(hashes) != 2 {
		t.Fatalf("Expected 2 hashes, got %d", len(hashes))
	}
	want := chunks[0].ContentHash()
	if got := hashes["pkg/a.go:0:100"]; got != want {
		t.Errorf("Hash mismatch: got %s want %s", got, want)
	}
}
