package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	gemini "github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
	openai "github.com/amikos-tech/chroma-go/pkg/embeddings/openai"

	"github.com/gamma-omg/docqa/agent"
	"github.com/gamma-omg/docqa/corpus"
	"github.com/gamma-omg/docqa/docstore"
	"github.com/gamma-omg/docqa/engine"
	"github.com/gamma-omg/docqa/geocode"
	"github.com/gamma-omg/docqa/history"
	"github.com/gamma-omg/docqa/index"
	"github.com/gamma-omg/docqa/ingest"
	"github.com/gamma-omg/docqa/llm"
	"github.com/gamma-omg/docqa/objstore"
	"github.com/gamma-omg/docqa/readers"
)

// app is the wired service. Everything that holds resources is closed by Close.
type app struct {
	log     *slog.Logger
	cfg     *Config
	metrics *Metrics
	indexes *index.Manager
	loader  *ingest.Loader
	corpus  *corpus.View
	objects objstore.Store
	llm     *llm.Service
	history history.Store
	tools   []agent.Tool
	agent   *agent.Agent
	closers []io.Closer
}

// newLogger writes JSON to the configured log file, or stderr when none is set.
func newLogger(cfg *Config) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	if cfg.LogFile == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), func() {}, nil
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level}))
	return logger, func() { logFile.Close() }, nil
}

func createEmbeddingFunction(cfg *Config) (embeddings.EmbeddingFunction, error) {
	if g := cfg.Chroma.Gemini; g != nil {
		ef, err := gemini.NewGeminiEmbeddingFunction(
			gemini.WithAPIKey(g.ApiKey),
			gemini.WithDefaultModel(embeddings.EmbeddingModel(g.Model)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini embedding function: %w", err)
		}

		return ef, nil
	}

	if cfg.LLM.ApiKey == "" {
		return nil, errors.New("invalid embeddings provider configuration")
	}

	model := cfg.LLM.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}

	ef, err := openai.NewOpenAIEmbeddingFunction(
		cfg.LLM.ApiKey,
		openai.WithModel(openai.EmbeddingModel(model)))
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI embedding function: %w", err)
	}

	return ef, nil
}

func initDocStore(cfg *Config, embedder docstore.Embedder) (docstore.Store, error) {
	if cfg.Chroma == nil {
		return docstore.NewLocalStore(docstore.LocalStoreConfig{
			Dir:         cfg.PersistDir,
			Embedder:    embedder,
			Results:     cfg.Results,
			RequestSize: cfg.RequestSize,
		})
	}

	ef, err := createEmbeddingFunction(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding function: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := docstore.NewChromaStore(ctx, docstore.ChromaStoreConfig{
		BaseURL:       cfg.Chroma.Addr,
		Collection:    cfg.Chroma.Collection,
		EmbeddingFunc: ef,
		Results:       cfg.Results,
		RequestSize:   cfg.RequestSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Chroma doc store: %w", err)
	}

	return store, nil
}

func initObjectStore(cfg *Config) (objstore.Store, error) {
	if cfg.Bucket == nil {
		// Without a bucket the synced directory is the store.
		return objstore.NewLocalStore(cfg.CorpusDir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return objstore.NewGCSStore(ctx, objstore.GCSConfig{
		Bucket:          cfg.Bucket.Name,
		Prefix:          cfg.Bucket.Prefix,
		CredentialsFile: cfg.Bucket.CredentialsFile,
		Endpoint:        cfg.Bucket.Endpoint,
	})
}

func newLoader(log *slog.Logger, extensions []string) (*ingest.Loader, error) {
	var rs []readers.FileReader
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}

		r := readers.ForExtension(ext)
		if r == nil {
			return nil, fmt.Errorf("unsupported document type %s", ext)
		}
		rs = append(rs, r)
	}

	return ingest.NewLoader(log, rs...)
}

func newApp(log *slog.Logger, cfg *Config, reset bool) (*app, error) {
	a := &app{log: log, cfg: cfg, metrics: NewMetrics()}

	model, err := llm.NewService(&llm.Config{
		Provider:       cfg.LLM.Provider,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		APIKey:         cfg.LLM.ApiKey,
		BaseURL:        cfg.LLM.BaseURL,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		Timeout:        cfg.LLM.TimeoutSec,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create llm service: %w", err)
	}
	a.llm = model

	store, err := initDocStore(cfg, model)
	if err != nil {
		return nil, err
	}

	a.loader, err = newLoader(log, cfg.Extensions)
	if err != nil {
		return nil, err
	}

	a.indexes, err = index.NewManager(log, index.Config{
		Dir:        cfg.PersistDir,
		Store:      store,
		Loader:     a.loader,
		Chunkifier: index.NewChunkifier(cfg.ChunkSize, cfg.ChunkOverlap),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index manager: %w", err)
	}

	if reset {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := a.indexes.Reset(ctx); err != nil {
			return nil, fmt.Errorf("failed to reset index: %w", err)
		}
	}

	a.corpus, err = corpus.NewView(log, corpus.Config{
		Dir:     cfg.CorpusDir,
		Timeout: cfg.syncTimeout(),
	})
	if err != nil {
		return nil, err
	}

	a.objects, err = initObjectStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}

	if cfg.History.DB != "" {
		hs, err := history.NewSQLiteStore(cfg.History.DB, cfg.History.MaxTurns, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open chat history store: %w", err)
		}
		a.history = hs
		a.closers = append(a.closers, hs)
	} else {
		a.history = history.NewMemoryStore(cfg.History.MaxTurns)
	}

	query := engine.NewQueryEngine(log, model)
	tools := []agent.Tool{agent.NewRetrievalTool(a.openIndex, query)}
	if cfg.Geocode.ApiKey != "" {
		gc, err := geocode.NewClient(geocode.Config{
			APIKey:            cfg.Geocode.ApiKey,
			RequestsPerSecond: cfg.Geocode.RequestsPerSecond,
		})
		if err != nil {
			return nil, err
		}
		tools = append(tools, agent.NewGeocodeTool(gc))
	} else {
		log.Warn("geocoding key not configured, getAddressComponents tool disabled")
	}

	a.tools = instrument(a.metrics, tools...)
	a.agent, err = agent.New(log, model, agent.Config{MaxIterations: cfg.Agent.MaxIterations}, a.tools...)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	return a, nil
}

// openIndex reopens the published index for tools that run outside a handler.
func (a *app) openIndex(ctx context.Context) (engine.Retriever, error) {
	idx, err := a.indexes.Reopen(ctx)
	a.metrics.IndexOp("reopen", err)
	if err != nil {
		return nil, err
	}

	return idx, nil
}

func (a *app) server() *Server {
	return NewServer(a.log, ServerDeps{
		Indexes:     a.indexes,
		Loader:      a.loader,
		Objects:     a.objects,
		Corpus:      a.corpus,
		Query:       engine.NewQueryEngine(a.log, a.llm),
		Chat:        engine.NewChatEngine(a.log, a.llm),
		Histories:   a.history,
		Agent:       a.agent,
		Metrics:     a.metrics,
		AddMode:     a.cfg.AddMode,
		UploadDir:   a.cfg.UploadDir,
		MaxUploadMB: a.cfg.MaxUploadMB,
	})
}

func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}

	return errors.Join(errs...)
}
