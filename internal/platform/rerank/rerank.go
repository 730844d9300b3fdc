package rerank

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/engramhq/engram-backend/internal/platform/envutil"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// FailedBatchScore is assigned to every passage of a batch that failed all
// its retries. Finite and very low so those passages sink instead of
// vanishing from the result.
const FailedBatchScore = -10000.0

// DefaultInstruction mirrors the embedding side: the reranker judges whether
// a passage answers a memory search query.
const DefaultInstruction = "Given a conversation memory search query, judge whether the document answers the query"

// Result scores one input passage; Index refers to the input position.
type Result struct {
	Index int
	Score float64
}

type Options struct {
	Instruction string
	TopK        int
}

// Reranker scores (query, passage) pairs. Output is sorted by score
// descending and truncated to TopK when set.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string, opts Options) ([]Result, error)
}

// Config for an HTTP rerank provider, env-prefixed like the embedding side.
type Config struct {
	BaseURL            string
	APIKey             string
	Model              string
	BatchSize          int
	MaxBatchConcurrent int
	MaxRetries         int
	Timeout            time.Duration
}

func ConfigFromEnv(prefix string) Config {
	return Config{
		BaseURL:            strings.TrimRight(envutil.Str(prefix+"_BASE_URL", ""), "/"),
		APIKey:             envutil.Str(prefix+"_API_KEY", ""),
		Model:              envutil.Str(prefix+"_MODEL", ""),
		BatchSize:          envutil.Int(prefix+"_BATCH_SIZE", 16),
		MaxBatchConcurrent: envutil.Int(prefix+"_MAX_BATCH_CONCURRENT", 5),
		MaxRetries:         envutil.Int(prefix+"_MAX_RETRIES", 2),
		Timeout:            envutil.Seconds(prefix+"_TIMEOUT_SECONDS", 30*time.Second),
	}
}

func (c Config) Configured() bool {
	return strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.APIKey) != ""
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.MaxBatchConcurrent <= 0 {
		c.MaxBatchConcurrent = 5
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// scoreBatchFunc scores one batch of passages against the query, returning
// one score per passage in input order.
type scoreBatchFunc func(ctx context.Context, query string, passages []string, instruction string) ([]float64, error)

// runBatches splits passages, issues batches concurrently under the
// configured limit, retries each batch independently, and assigns
// FailedBatchScore to batches that never succeed. It never returns an error
// for per-batch failures; only a fully-failed run surfaces one so the hybrid
// wrapper can fail over.
func runBatches(ctx context.Context, log *logger.Logger, cfg Config, query string, passages []string, opts Options, score scoreBatchFunc) ([]Result, error) {
	if len(passages) == 0 {
		return []Result{}, nil
	}
	instruction := opts.Instruction
	if instruction == "" {
		instruction = DefaultInstruction
	}

	scores := make([]float64, len(passages))
	failed := make([]bool, len(passages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxBatchConcurrent)
	for start := 0; start < len(passages); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(passages) {
			end = len(passages)
		}
		start, end := start, end
		g.Go(func() error {
			var batchScores []float64
			var err error
			for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
				if attempt > 0 {
					select {
					case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				batchScores, err = score(gctx, query, passages[start:end], instruction)
				if err == nil && len(batchScores) == end-start {
					copy(scores[start:end], batchScores)
					return nil
				}
			}
			log.Warn("Rerank batch failed after retries, assigning sentinel scores",
				"batch_start", start, "batch_end", end, "error", err)
			for i := start; i < end; i++ {
				scores[i] = FailedBatchScore
				failed[i] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	allFailed := true
	for _, f := range failed {
		if !f {
			allFailed = false
			break
		}
	}
	if allFailed {
		return nil, &AllBatchesFailedError{Batches: (len(passages) + cfg.BatchSize - 1) / cfg.BatchSize}
	}

	out := make([]Result, len(passages))
	for i, s := range scores {
		out[i] = Result{Index: i, Score: s}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if opts.TopK > 0 && len(out) > opts.TopK {
		out = out[:opts.TopK]
	}
	return out, nil
}

type AllBatchesFailedError struct {
	Batches int
}

func (e *AllBatchesFailedError) Error() string {
	return "rerank failed for all batches"
}
