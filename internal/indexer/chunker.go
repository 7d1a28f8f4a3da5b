// Package indexer builds and maintains the vector index over workspace
// source files.
package indexer

import (
	"path/filepath"
	"strings"

	"codepilot/internal/store"
)

// SplitFile cuts content into overlapping windows for embedding. Window
// boundaries snap back to the previous newline when one falls inside a
// line, so chunks stay readable.
func SplitFile(path, content string, chunkSize, overlap int) []store.Chunk {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 10
	}
	lang := LanguageForPath(path)

	var chunks []store.Chunk
	start := 0
	for start < len(content) {
		end := start + chunkSize
		if end >= len(content) {
			end = len(content)
		} else if nl := strings.LastIndexByte(content[start:end], '\n'); nl > 0 {
			end = start + nl + 1
		}
		chunks = append(chunks, store.Chunk{
			SourcePath: path,
			StartByte:  start,
			EndByte:    end,
			Language:   lang,
			Content:    content[start:end],
		})
		if end == len(content) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// LanguageForPath maps a file extension to a language tag for filtering.
func LanguageForPath(path string) string {
	switch filepath.Ext(path) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".hpp":
		return "cpp"
	case ".rb":
		return "ruby"
	case ".sh":
		return "shell"
	case ".md":
		return "markdown"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".sql":
		return "sql"
	default:
		return ""
	}
}

// Indexable reports whether a file belongs in the vector index.
func Indexable(path string) bool {
	return LanguageForPath(path) != ""
}
