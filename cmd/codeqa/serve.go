package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	// SQL drivers for the graph and history services.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/codeqa/pkg/actions"
	"github.com/kadirpekel/codeqa/pkg/auth"
	"github.com/kadirpekel/codeqa/pkg/config"
	"github.com/kadirpekel/codeqa/pkg/config/provider"
	"github.com/kadirpekel/codeqa/pkg/graph"
	"github.com/kadirpekel/codeqa/pkg/history"
	"github.com/kadirpekel/codeqa/pkg/llms"
	"github.com/kadirpekel/codeqa/pkg/pipeline"
	"github.com/kadirpekel/codeqa/pkg/prompts"
	"github.com/kadirpekel/codeqa/pkg/retrieval"
	"github.com/kadirpekel/codeqa/pkg/runtime"
	"github.com/kadirpekel/codeqa/pkg/server"
	"github.com/kadirpekel/codeqa/pkg/tokens"
)

// ServeCmd starts the QA server.
type ServeCmd struct {
	Watch bool `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	fileProvider, err := provider.NewFileProvider(cli.Config)
	if err != nil {
		return err
	}
	defer fileProvider.Close()

	loader := config.NewLoader(fileProvider, config.WithOnChange(func(cfg *config.Config) {
		// Collaborators are built once at startup; a changed config needs a
		// restart to take effect.
		slog.Warn("Config changed on disk; restart to apply")
	}))

	cfg, err := loader.Load(ctx)
	if err != nil {
		return err
	}

	rt, cleanup, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	pipelineLoader := pipeline.NewLoader(
		pipeline.WithPromptsDir(cfg.Pipelines.PromptsDir),
		pipeline.WithStepValidator(actions.ValidateStep),
	)

	var validator *auth.JWTValidator
	if cfg.Server.Auth.Enabled {
		validator, err = auth.NewJWTValidator(cfg.Server.Auth.JWKSURL, cfg.Server.Auth.Issuer, cfg.Server.Auth.Audience)
		if err != nil {
			return fmt.Errorf("failed to initialize auth: %w", err)
		}
		defer validator.Close()
	}

	srv, err := server.New(server.Options{
		Loader:          pipelineLoader,
		Runtime:         rt,
		PipelinesDir:    cfg.Pipelines.Dir,
		DefaultPipeline: cfg.Pipelines.DefaultPipeline,
		Validator:       validator,
	})
	if err != nil {
		return err
	}

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch stopped", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	slog.Info("Server listening", "addr", addr, "pipelines", cfg.Pipelines.Dir)
	return srv.ListenAndServe(ctx, addr)
}

// buildRuntime assembles the collaborator bundle from config. The returned
// cleanup closes database connections and backends.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime.Runtime, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*runtime.Runtime, func(), error) {
		cleanup()
		return nil, nil, err
	}

	llm, err := llms.NewOpenAIClient(llms.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return fail(fmt.Errorf("llm: %w", err))
	}

	var embedder retrieval.Embedder
	if cfg.Embedder.Model != "" {
		embedder, err = llms.NewOpenAIEmbedder(llms.EmbedderConfig{
			BaseURL: cfg.Embedder.BaseURL,
			APIKey:  cfg.Embedder.APIKey,
			Model:   cfg.Embedder.Model,
			Timeout: cfg.Embedder.Timeout,
		})
		if err != nil {
			return fail(fmt.Errorf("embedder: %w", err))
		}
	}

	var backend runtime.RetrievalBackend
	switch cfg.Retrieval.Backend {
	case "qdrant":
		qdrantBackend, err := retrieval.NewQdrantBackend(retrieval.QdrantConfig{
			Host:       cfg.Retrieval.Qdrant.Host,
			Port:       cfg.Retrieval.Qdrant.Port,
			APIKey:     cfg.Retrieval.Qdrant.APIKey,
			EnableTLS:  cfg.Retrieval.Qdrant.EnableTLS,
			Collection: cfg.Retrieval.Qdrant.Collection,
		}, embedder)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		closers = append(closers, func() { _ = qdrantBackend.Close() })
		backend = qdrantBackend
	case "chromem":
		chromemBackend, err := retrieval.NewChromemBackend(retrieval.ChromemConfig{
			PersistPath: cfg.Retrieval.Chromem.PersistPath,
			Compress:    cfg.Retrieval.Chromem.Compress,
			Collection:  cfg.Retrieval.Chromem.Collection,
		}, embedder)
		if err != nil {
			return fail(fmt.Errorf("chromem: %w", err))
		}
		backend = chromemBackend
	}

	var graphProvider runtime.GraphProvider
	if cfg.Graph.Enabled {
		db, err := sql.Open(cfg.Graph.Driver, cfg.Graph.DSN)
		if err != nil {
			return fail(fmt.Errorf("graph database: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		graphProvider, err = graph.NewSQLProvider(graph.SQLProviderOptions{
			DB:        db,
			Driver:    cfg.Graph.Driver,
			EdgeTable: cfg.Graph.EdgeTable,
		})
		if err != nil {
			return fail(fmt.Errorf("graph: %w", err))
		}
	}

	var historyService runtime.ConversationHistoryService
	if cfg.History.Enabled {
		db, err := sql.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return fail(fmt.Errorf("history database: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })
		sqlService, err := history.NewSQLService(history.SQLServiceOptions{
			DB:     db,
			Driver: cfg.History.Driver,
			Table:  cfg.History.Table,
		})
		if err != nil {
			return fail(fmt.Errorf("history: %w", err))
		}
		if cfg.History.Driver == "sqlite3" {
			if err := sqlService.EnsureSchema(ctx); err != nil {
				return fail(fmt.Errorf("history schema: %w", err))
			}
		}
		historyService = sqlService
	}

	var translator runtime.Translator
	if cfg.Translate.Enabled {
		translator, err = llms.NewLLMTranslator(llm, llms.TranslatorConfig{
			TargetLanguage: cfg.Translate.TargetLanguage,
			PivotLanguage:  cfg.Translate.PivotLanguage,
		})
		if err != nil {
			return fail(fmt.Errorf("translator: %w", err))
		}
	}

	counter, err := tokens.NewCounter(cfg.LLM.Model)
	if err != nil {
		return fail(fmt.Errorf("token counter: %w", err))
	}

	promptStore, err := prompts.NewDirStore(cfg.Pipelines.PromptsDir)
	if err != nil {
		return fail(fmt.Errorf("prompts: %w", err))
	}

	return &runtime.Runtime{
		LLM:         llm,
		Backend:     backend,
		Graph:       graphProvider,
		Tokens:      counter,
		History:     historyService,
		Trans:       translator,
		Prompts:     promptStore,
		InboxStrict: cfg.Engine.InboxStrict,
		MaxSteps:    cfg.Engine.MaxSteps,
	}, cleanup, nil
}
