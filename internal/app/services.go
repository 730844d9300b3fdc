package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/engramhq/engram-backend/internal/platform/elastic"
	"github.com/engramhq/engram-backend/internal/platform/embedding"
	"github.com/engramhq/engram-backend/internal/platform/envutil"
	"github.com/engramhq/engram-backend/internal/platform/llm"
	"github.com/engramhq/engram-backend/internal/platform/logger"
	"github.com/engramhq/engram-backend/internal/platform/qdrant"
	"github.com/engramhq/engram-backend/internal/platform/redislock"
	"github.com/engramhq/engram-backend/internal/platform/rerank"
	"github.com/engramhq/engram-backend/internal/services"
)

type Services struct {
	Locker    redislock.Locker
	LLM       llm.Client
	Embedder  embedding.Embedder
	Reranker  rerank.Reranker
	Vector    qdrant.Index
	Inverted  elastic.Index
	Memorize  services.MemorizeService
	Retrieval services.RetrievalService
	Profiles  services.ProfileManager
	Syncer    services.SyncService
}

func wireServices(log *logger.Logger, cfg Config, r Repos) (Services, error) {
	log.Info("Wiring services...")

	llmClient, err := llm.NewClient(log)
	if err != nil {
		return Services{}, fmt.Errorf("init llm client: %w", err)
	}

	embedder, err := wireEmbedder(log, cfg)
	if err != nil {
		return Services{}, err
	}
	reranker, err := wireReranker(log, cfg)
	if err != nil {
		return Services{}, err
	}

	vector, err := qdrant.NewIndex(log, qdrant.ConfigFromEnv())
	if err != nil {
		return Services{}, fmt.Errorf("init vector index: %w", err)
	}
	inverted, err := elastic.NewIndex(log, elastic.ConfigFromEnv())
	if err != nil {
		return Services{}, fmt.Errorf("init inverted index: %w", err)
	}
	if err := vector.EnsureCollection(context.Background()); err != nil {
		log.Warn("Vector collection not ready; writes will fail until it is", "error", err)
	}
	if err := inverted.EnsureIndex(context.Background()); err != nil {
		log.Warn("Inverted index not ready; writes will fail until it is", "error", err)
	}

	locker := wireLocker(log)

	syncer := services.NewSyncService(log, r.Episodic, vector, inverted)
	profiles := services.NewProfileManager(log, cfg.Profile, r.Profiles, r.Clusters, r.Cells, llmClient)

	memorize := services.NewMemorizeService(log, services.MemorizeDeps{
		Locker:     locker,
		Window:     r.Window,
		Status:     r.Status,
		Cells:      r.Cells,
		Meta:       r.ConversationMeta,
		Importance: r.Importance,
		Requests:   r.Requests,
		Extractor:  services.NewMemCellExtractor(log, llmClient),
		Semantic:   services.NewSemanticExtractor(log, llmClient, embedder),
		EventLog:   services.NewEventLogExtractor(log, llmClient, embedder),
		Syncer:     syncer,
		Profiles:   profiles,
		Embedder:   embedder,
	})

	retrieval := services.NewRetrievalService(log, services.RetrievalDeps{
		Cells:      r.Cells,
		Episodic:   r.Episodic,
		Importance: r.Importance,
		Vector:     vector,
		Inverted:   inverted,
		Embedder:   embedder,
		Reranker:   reranker,
		LLM:        llmClient,
	})

	return Services{
		Locker:    locker,
		LLM:       llmClient,
		Embedder:  embedder,
		Reranker:  reranker,
		Vector:    vector,
		Inverted:  inverted,
		Memorize:  memorize,
		Retrieval: retrieval,
		Profiles:  profiles,
		Syncer:    syncer,
	}, nil
}

func wireEmbedder(log *logger.Logger, cfg Config) (embedding.Embedder, error) {
	primaryCfg := embedding.ConfigFromEnv("EMBEDDING")
	primary, err := embedding.NewOpenAIEmbedder(log, primaryCfg)
	if err != nil {
		return nil, fmt.Errorf("init primary embedder: %w", err)
	}

	fallbackCfg := embedding.ConfigFromEnv("EMBEDDING_FALLBACK")
	if !fallbackCfg.Configured() {
		log.Info("No fallback embedder configured")
		return primary, nil
	}
	fallback, err := embedding.NewOpenAIEmbedder(log, fallbackCfg)
	if err != nil {
		return nil, fmt.Errorf("init fallback embedder: %w", err)
	}
	return embedding.NewHybrid(log, primary, fallback, cfg.MaxPrimaryFailures)
}

func wireReranker(log *logger.Logger, cfg Config) (rerank.Reranker, error) {
	newReranker := rerank.NewOpenAIReranker
	if strings.EqualFold(cfg.RerankProvider, "qwen") {
		newReranker = rerank.NewQwenReranker
	}

	primary, err := newReranker(log, rerank.ConfigFromEnv("RERANK"))
	if err != nil {
		return nil, fmt.Errorf("init primary reranker: %w", err)
	}

	fallbackCfg := rerank.ConfigFromEnv("RERANK_FALLBACK")
	if !fallbackCfg.Configured() {
		log.Info("No fallback reranker configured")
		return primary, nil
	}
	fallback, err := newReranker(log, fallbackCfg)
	if err != nil {
		return nil, fmt.Errorf("init fallback reranker: %w", err)
	}
	return rerank.NewHybrid(log, primary, fallback, cfg.MaxPrimaryFailures)
}

// wireLocker prefers the redis lock for multi-node deployments; without
// REDIS_ADDR the in-process lock table serialises a single node.
func wireLocker(log *logger.Logger) redislock.Locker {
	if envutil.Str("REDIS_ADDR", "") == "" {
		log.Info("REDIS_ADDR unset, using in-memory group locks")
		return redislock.NewMemoryLocker()
	}
	locker, err := redislock.NewRedisLocker(log)
	if err != nil {
		log.Warn("Redis locker unavailable, falling back to in-memory locks", "error", err)
		return redislock.NewMemoryLocker()
	}
	return locker
}
