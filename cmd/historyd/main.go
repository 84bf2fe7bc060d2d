// Command historyd serves per-scope chat history with vector search over HTTP.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/joho/godotenv"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/becomeliminal/nim-history/chat"
	"github.com/becomeliminal/nim-history/config"
	"github.com/becomeliminal/nim-history/history"
	"github.com/becomeliminal/nim-history/history/embedder/cached"
	"github.com/becomeliminal/nim-history/history/embedder/hashing"
	"github.com/becomeliminal/nim-history/history/embedder/openai"
	"github.com/becomeliminal/nim-history/history/journal/badger"
	"github.com/becomeliminal/nim-history/history/store/chromem"
	"github.com/becomeliminal/nim-history/history/store/postgres"
	"github.com/becomeliminal/nim-history/observability"
	"github.com/becomeliminal/nim-history/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	journal, err := badger.Open(badger.DefaultConfig(cfg.JournalDir()))
	if err != nil {
		log.Fatalf("journal init failed: %v", err)
	}
	defer journal.Close()

	index, err := openIndex(cfg)
	if err != nil {
		log.Fatalf("vector store init failed: %v", err)
	}
	defer index.Close()

	embedder, closeEmbedder, err := newEmbedder(cfg)
	if err != nil {
		log.Fatalf("embedder init failed: %v", err)
	}
	defer closeEmbedder()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)
	manager, err := history.NewManager(journal, index, embedder, cfg.History(), history.WithMetrics(metrics))
	if err != nil {
		log.Fatalf("history manager init failed: %v", err)
	}

	var messages chat.MessageClient
	if cfg.AnthropicAPIKey != "" {
		client := anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
		messages = &client.Messages
	} else {
		log.Printf("ANTHROPIC_API_KEY not set: only history questions can be answered")
	}
	engine := chat.NewEngine(messages, manager,
		chat.WithModel(cfg.Model),
		chat.WithMaxTokens(int64(cfg.MaxTokens)),
		chat.WithMetrics(metrics),
	)

	api := server.New(engine, manager, server.Options{
		PersistDir:     cfg.PersistDir,
		AllowAnyOrigin: cfg.AllowAnyOrigin,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s (max_history=%d, persist_dir=%s)", cfg.BindAddr, manager.MaxHistory(), cfg.PersistDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// openIndex uses pgvector when DATABASE_URL is set, the embedded store otherwise.
func openIndex(cfg config.Config) (history.Index, error) {
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Printf("vector store: postgres")
		return store, nil
	}
	store, err := chromem.New(chromem.Config{Path: cfg.IndexDir(), Compress: true})
	if err != nil {
		return nil, err
	}
	log.Printf("vector store: chromem (%s)", cfg.IndexDir())
	return store, nil
}

func newEmbedder(cfg config.Config) (history.Embedder, func(), error) {
	var base history.Embedder
	switch cfg.Embedder {
	case config.EmbedderOpenAI:
		e, err := openai.New(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   goopenai.EmbeddingModel(cfg.OpenAIEmbeddingModel),
		})
		if err != nil {
			return nil, nil, err
		}
		log.Printf("embedder: openai (%d dims)", e.Dimensions())
		base = e
	default:
		base = hashing.New(cfg.EmbeddingDim)
		log.Printf("embedder: hashing (%d dims)", cfg.EmbeddingDim)
	}

	if cfg.EmbedCacheSize == 0 {
		return base, func() {}, nil
	}
	c, err := cached.New(base, int64(cfg.EmbedCacheSize))
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}
