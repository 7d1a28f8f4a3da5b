package core

import (
	"context"
	"fmt"
	"strings"

	"codepilot/internal/tools"
	"codepilot/internal/types"
)

// SearchCodebaseTool returns a tool that answers natural-language queries
// against the vector index. It is registered only when an index exists,
// alongside the regex-based search_code.
func SearchCodebaseTool(retriever types.Retriever) *tools.Tool {
	return &tools.Tool{
		Name:        "search_codebase",
		Description: "Semantic search over the indexed codebase; returns the most relevant snippets for a natural-language query",
		Schema: tools.ToolSchema{
			Required: []string{"query"},
			Properties: map[string]tools.Property{
				"query": {
					Type:        "string",
					Description: "What to look for, in natural language",
				},
				"path_prefix": {
					Type:        "string",
					Description: "Restrict results to files under this path",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			prefix, _ := args["path_prefix"].(string)

			chunks, err := retriever.Retrieve(ctx, query, 0, types.ChunkFilters{PathPrefix: prefix})
			if err != nil {
				return "", fmt.Errorf("semantic search failed: %w", err)
			}
			if len(chunks) == 0 {
				return "No relevant code found", nil
			}

			var b strings.Builder
			for i, c := range chunks {
				if i > 0 {
					b.WriteString("\n---\n")
				}
				fmt.Fprintf(&b, "%s (bytes %d-%d, score %.3f)\n%s", c.SourcePath, c.StartByte, c.EndByte, c.Score, c.Text)
			}
			return b.String(), nil
		},
	}
}
