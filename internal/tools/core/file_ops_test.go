package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFileLineRange(t *testing.T) {
	ws := t.TempDir()
	content := "one\ntwo\nthree\nfour\n"
	if err := os.WriteFile(filepath.Join(ws, "f.txt"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	tool := ReadFileTool(ws)
	out, err := tool.Execute(context.Background(), map[string]any{
		"path": "f.txt", "start_line": 2, "end_line": 3,
	})
	if err != nil {
		t.Fatalf("read_file failed: %v", err)
	}
	if out != "two\nthree" {
		t.Errorf("Expected lines 2-3, got %q", out)
	}
}

func TestReadFileRejectsEscape(t *testing.T) {
	ws := t.TempDir()
	tool := ReadFileTool(ws)
	if _, err := tool.Execute(context.Background(), map[string]any{"path": "../etc/passwd"}); err == nil {
		t.Error("Expected workspace escape to be rejected")
	}
}

func TestWriteThenReadRoundtrip(t *testing.T) {
	ws := t.TempDir()
	write := WriteFileTool(ws)
	read := ReadFileTool(ws)

	if _, err := write.Execute(context.Background(), map[string]any{
		"path": "nested/dir/out.go", "content": "package main",
	}); err != nil {
		t.Fatalf("write_file failed: %v", err)
	}

	out, err := read.Execute(context.Background(), map[string]any{"path": "nested/dir/out.go"})
	if err != nil {
		t.Fatalf("read_file failed: %v", err)
	}
	if out != "package main" {
		t.Errorf("Roundtrip mismatch: %q", out)
	}
}

func TestEditFileReplacesOnce(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "f.go")
	if err := os.WriteFile(path, []byte("aaa bbb aaa"), 0644); err != nil {
		t.Fatal(err)
	}

	tool := EditFileTool(ws)
	if _, err := tool.Execute(context.Background(), map[string]any{
		"path": "f.go", "old_text": "aaa", "new_text": "ccc",
	}); err != nil {
		t.Fatalf("edit_file failed: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "ccc bbb aaa" {
		t.Errorf("Expected first occurrence replaced, got %q", got)
	}
}

func TestEditFileIdempotentUnderReplay(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "f.go")
	if err := os.WriteFile(path, []byte("old value"), 0644); err != nil {
		t.Fatal(err)
	}

	tool := EditFileTool(ws)
	args := map[string]any{"path": "f.go", "old_text": "old value", "new_text": "new value"}

	if _, err := tool.Execute(context.Background(), args); err != nil {
		t.Fatalf("First edit failed: %v", err)
	}
	// Replaying the same edit after a crash-resume must succeed without
	// changing the file again.
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Replayed edit failed: %v", err)
	}
	if !strings.Contains(out, "already applied") {
		t.Errorf("Expected already-applied report, got %q", out)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "new value" {
		t.Errorf("File changed on replay: %q", got)
	}
}

func TestListFilesRecursive(t *testing.T) {
	ws := t.TempDir()
	for _, p := range []string{"a.go", "sub/b.go", ".git/config", "vendor/dep.go"} {
		full := filepath.Join(ws, p)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	tool := ListFilesTool(ws)
	out, err := tool.Execute(context.Background(), map[string]any{"recursive": true})
	if err != nil {
		t.Fatalf("list_files failed: %v", err)
	}
	if !strings.Contains(out, "a.go") || !strings.Contains(out, filepath.Join("sub", "b.go")) {
		t.Errorf("Missing expected entries: %q", out)
	}
	if strings.Contains(out, ".git") || strings.Contains(out, "vendor") {
		t.Errorf("Skipped directories leaked into listing: %q", out)
	}
}

func TestSearchCode(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "main.go"), []byte("package main\nfunc Run() {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "notes.txt"), []byte("func in prose\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tool := SearchCodeTool(ws)
	out, err := tool.Execute(context.Background(), map[string]any{
		"pattern": `func \w+\(`, "extension": ".go",
	})
	if err != nil {
		t.Fatalf("search_code failed: %v", err)
	}
	if !strings.Contains(out, "main.go:2") {
		t.Errorf("Expected match in main.go line 2, got %q", out)
	}
	if strings.Contains(out, "notes.txt") {
		t.Errorf("Extension filter ignored: %q", out)
	}

	out, err = tool.Execute(context.Background(), map[string]any{"pattern": "nothing_matches_this"})
	if err != nil {
		t.Fatalf("search_code failed: %v", err)
	}
	if out != "No matches found" {
		t.Errorf("Expected no-match report, got %q", out)
	}
}
