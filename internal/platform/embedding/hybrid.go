package embedding

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// Hybrid wraps a primary embedder with an optional fallback. Every call tries
// the primary first; on error the fallback (when present) is invoked with the
// same arguments. The failure counter is advisory: crossing
// maxPrimaryFailures logs a warning, it does not open a breaker.
type Hybrid struct {
	log                 *logger.Logger
	primary             Embedder
	fallback            Embedder
	maxPrimaryFailures  int64
	primaryFailureCount atomic.Int64
}

func NewHybrid(log *logger.Logger, primary, fallback Embedder, maxPrimaryFailures int) (*Hybrid, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if primary == nil {
		return nil, fmt.Errorf("primary embedder required")
	}
	if maxPrimaryFailures <= 0 {
		maxPrimaryFailures = 5
	}
	return &Hybrid{
		log:                log.With("service", "HybridEmbedder"),
		primary:            primary,
		fallback:           fallback,
		maxPrimaryFailures: int64(maxPrimaryFailures),
	}, nil
}

// PrimaryFailureCount exposes the advisory counter for tests and metrics.
func (h *Hybrid) PrimaryFailureCount() int64 {
	return h.primaryFailureCount.Load()
}

func (h *Hybrid) Dimensions() int { return h.primary.Dimensions() }

func (h *Hybrid) Embed(ctx context.Context, text string, opts Options) ([]float32, error) {
	vec, err := h.primary.Embed(ctx, text, opts)
	if err == nil {
		h.primaryFailureCount.Store(0)
		return vec, nil
	}
	return failover(h, ctx, err, func(ctx context.Context) ([]float32, error) {
		return h.fallback.Embed(ctx, text, opts)
	})
}

func (h *Hybrid) EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float32, error) {
	vecs, err := h.primary.EmbedBatch(ctx, texts, opts)
	if err == nil {
		h.primaryFailureCount.Store(0)
		return vecs, nil
	}
	return failover(h, ctx, err, func(ctx context.Context) ([][]float32, error) {
		return h.fallback.EmbedBatch(ctx, texts, opts)
	})
}

func failover[T any](h *Hybrid, ctx context.Context, primaryErr error, call func(context.Context) (T, error)) (T, error) {
	count := h.primaryFailureCount.Add(1)
	if count >= h.maxPrimaryFailures {
		h.log.Warn("Primary embedder failure threshold reached",
			"failures", count, "threshold", h.maxPrimaryFailures)
	}

	var zero T
	if h.fallback == nil {
		return zero, fmt.Errorf("primary embedder failed (no fallback configured): %w", primaryErr)
	}

	h.log.Warn("Primary embedder failed, using fallback", "error", primaryErr)
	out, err := call(ctx)
	if err != nil {
		return zero, fmt.Errorf("both embedding providers failed: primary: %v; fallback: %w", primaryErr, err)
	}
	return out, nil
}
