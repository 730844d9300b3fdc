package rerank

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// Hybrid is the primary+fallback wrapper over two rerankers, same contract
// as the embedding side: primary always goes first, the counter is advisory.
type Hybrid struct {
	log                 *logger.Logger
	primary             Reranker
	fallback            Reranker
	maxPrimaryFailures  int64
	primaryFailureCount atomic.Int64
}

func NewHybrid(log *logger.Logger, primary, fallback Reranker, maxPrimaryFailures int) (*Hybrid, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if primary == nil {
		return nil, fmt.Errorf("primary reranker required")
	}
	if maxPrimaryFailures <= 0 {
		maxPrimaryFailures = 5
	}
	return &Hybrid{
		log:                log.With("service", "HybridReranker"),
		primary:            primary,
		fallback:           fallback,
		maxPrimaryFailures: int64(maxPrimaryFailures),
	}, nil
}

func (h *Hybrid) PrimaryFailureCount() int64 {
	return h.primaryFailureCount.Load()
}

func (h *Hybrid) Rerank(ctx context.Context, query string, passages []string, opts Options) ([]Result, error) {
	out, err := h.primary.Rerank(ctx, query, passages, opts)
	if err == nil {
		h.primaryFailureCount.Store(0)
		return out, nil
	}

	count := h.primaryFailureCount.Add(1)
	if count >= h.maxPrimaryFailures {
		h.log.Warn("Primary reranker failure threshold reached",
			"failures", count, "threshold", h.maxPrimaryFailures)
	}
	if h.fallback == nil {
		return nil, fmt.Errorf("primary reranker failed (no fallback configured): %w", err)
	}

	h.log.Warn("Primary reranker failed, using fallback", "error", err)
	out, ferr := h.fallback.Rerank(ctx, query, passages, opts)
	if ferr != nil {
		return nil, fmt.Errorf("both rerank providers failed: primary: %v; fallback: %w", err, ferr)
	}
	return out, nil
}
