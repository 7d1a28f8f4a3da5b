package main

import (
	"fmt"

	"go.uber.org/zap"

	"codepilot/internal/config"
	"codepilot/internal/embedding"
	"codepilot/internal/executor"
	"codepilot/internal/indexer"
	"codepilot/internal/logging"
	"codepilot/internal/perception"
	"codepilot/internal/retrieval"
	"codepilot/internal/store"
	"codepilot/internal/tools"
	"codepilot/internal/tools/core"
	"codepilot/internal/tools/shell"
)

// engine is the fully wired agent stack behind every command.
type engine struct {
	cfg       *config.Config
	store     *store.LocalStore
	model     *perception.OpenAIClient
	embedder  embedding.Engine
	retriever *retrieval.LocalRetriever
	registry  *tools.Registry
	invoker   *tools.LocalInvoker
	indexer   *indexer.Indexer
	manager   *executor.Manager
}

// buildEngine loads config and wires every component for the workspace.
func buildEngine(ws string) (*engine, error) {
	cfg, err := config.Load(ws, configPath)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}

	if err := logging.Initialize(ws, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}

	st, err := store.NewLocalStore(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	retriever := retrieval.NewRetriever(embedder, st, retrieval.Config{
		TopK:        cfg.Retrieval.TopK,
		TokenBudget: cfg.Retrieval.TokenBudget,
		CacheTTL:    cfg.Retrieval.CacheTTLDuration(),
	})

	ix := indexer.New(ws, embedder, st, indexer.Config{
		ChunkSize:  cfg.Indexer.ChunkSize,
		Overlap:    cfg.Indexer.ChunkOverlap,
		Workers:    cfg.Indexer.Workers,
		Extensions: cfg.Indexer.Extensions,
		SkipDirs:   cfg.Indexer.SkipDirs,
	})
	ix.OnUpdate(retriever.InvalidateCache)

	registry := tools.NewRegistry()
	if err := core.RegisterAll(registry, ws); err != nil {
		st.Close()
		return nil, err
	}
	if err := shell.RegisterAll(registry, ws); err != nil {
		st.Close()
		return nil, err
	}
	if err := registry.Register(core.SearchCodebaseTool(retriever)); err != nil {
		st.Close()
		return nil, err
	}

	invoker := tools.NewInvoker(registry, tools.InvokerConfig{
		AllowList:     cfg.Tools.AllowList,
		MaxOutputSize: cfg.Tools.MaxOutputSize,
		ExecTimeout:   cfg.Tools.ExecTimeoutDuration(),
	})

	model := perception.NewOpenAIClient(perception.ClientConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.TimeoutDuration(),
	})

	manager := executor.NewManager(executor.Deps{
		Model:        model,
		Retriever:    retriever,
		Invoker:      invoker,
		Store:        st,
		AllowedTools: cfg.Tools.AllowList,
	}, executor.Budgets{
		MaxSteps:      cfg.Executor.MaxSteps,
		WallClock:     cfg.Executor.TurnBudgetDuration(),
		ToolRetries:   cfg.Executor.ToolRetries,
		UpstreamTries: cfg.Executor.UpstreamTries,
		BackoffBase:   cfg.Executor.BackoffBaseDuration(),
	})

	return &engine{
		cfg:       cfg,
		store:     st,
		model:     model,
		embedder:  embedder,
		retriever: retriever,
		registry:  registry,
		invoker:   invoker,
		indexer:   ix,
		manager:   manager,
	}, nil
}

// Close stops in-flight turns and releases the store.
func (e *engine) Close() {
	e.manager.Shutdown()
	if err := e.store.Close(); err != nil && logger != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
	logging.CloseAll()
}
