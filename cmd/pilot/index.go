package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codepilot/internal/indexer"
)

var indexWatch bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the workspace for semantic retrieval",
	Long: `Walks the workspace, chunks source files, embeds them, and stores the
vectors in the local index under .pilot/. Unchanged files are skipped, so
re-running is cheap.

With --watch the command keeps running and re-indexes files as they change.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexWatch, "watch", false, "Keep watching the workspace and re-index on change")
}

func runIndex(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	eng, err := buildEngine(ws)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("indexing workspace", zap.String("workspace", ws), zap.String("engine", eng.embedder.Name()))
	stats, err := eng.indexer.IndexWorkspace(ctx)
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}
	total, err := eng.store.CountChunks()
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d files (%d unchanged), %d chunks embedded, %d chunks total\n",
		stats.FilesIndexed, stats.FilesSkipped, stats.ChunksEmbedded, total)

	if !indexWatch {
		return nil
	}

	watcher, err := indexer.NewWatcher(ws, eng.indexer)
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	fmt.Println("watching for changes (Ctrl+C to stop)")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}
