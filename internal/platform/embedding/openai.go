package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/engramhq/engram-backend/internal/platform/ctxutil"
	"github.com/engramhq/engram-backend/internal/platform/envutil"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// Config for an OpenAI-compatible /v1/embeddings provider. Read from env with
// a prefix so the primary and the fallback can be configured side by side
// (EMBEDDING_BASE_URL vs EMBEDDING_FALLBACK_BASE_URL and so on).
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// Dim is the target vector width. When the provider honours the
	// `dimensions` request parameter we forward it; otherwise longer vectors
	// are truncated client side.
	Dim                int
	SupportsDimensions bool
	BatchSize          int
	MaxBatchConcurrent int
	MaxRetries         int
	Timeout            time.Duration
}

func ConfigFromEnv(prefix string) Config {
	return Config{
		BaseURL:            strings.TrimRight(envutil.Str(prefix+"_BASE_URL", ""), "/"),
		APIKey:             envutil.Str(prefix+"_API_KEY", ""),
		Model:              envutil.Str(prefix+"_MODEL", "text-embedding-3-small"),
		Dim:                envutil.Int(prefix+"_DIM", 1024),
		SupportsDimensions: envutil.Bool(prefix+"_SUPPORTS_DIMENSIONS", true),
		BatchSize:          envutil.Int(prefix+"_BATCH_SIZE", 64),
		MaxBatchConcurrent: envutil.Int(prefix+"_MAX_BATCH_CONCURRENT", 10),
		MaxRetries:         envutil.Int(prefix+"_MAX_RETRIES", 3),
		Timeout:            envutil.Seconds(prefix+"_TIMEOUT_SECONDS", 30*time.Second),
	}
}

// Configured reports whether the config points at a live provider. A blank
// URL or key disables the provider (used to turn the fallback off).
func (c Config) Configured() bool {
	return strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.APIKey) != ""
}

type openAIEmbedder struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
}

func NewOpenAIEmbedder(log *logger.Logger, cfg Config) (Embedder, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if !cfg.Configured() {
		return nil, fmt.Errorf("embedding provider not configured: base_url and api_key required")
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("embedding dim must be positive, got %d", cfg.Dim)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxBatchConcurrent <= 0 {
		cfg.MaxBatchConcurrent = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &openAIEmbedder{
		log:  log.With("service", "OpenAIEmbedder", "model", cfg.Model),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (e *openAIEmbedder) Dimensions() int { return e.cfg.Dim }

type embeddingsRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (e *openAIEmbedder) Embed(ctx context.Context, text string, opts Options) ([]float32, error) {
	vecs, err := e.embedChunk(ctx, []string{text}, opts)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *openAIEmbedder) EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(texts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxBatchConcurrent)
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			vecs, err := e.embedChunk(gctx, texts[start:end], opts)
			if err != nil {
				return err
			}
			mu.Lock()
			copy(out[start:end], vecs)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *openAIEmbedder) embedChunk(ctx context.Context, texts []string, opts Options) ([][]float32, error) {
	clean := make([]string, len(texts))
	for i, t := range texts {
		s := strings.TrimSpace(t)
		if s == "" {
			s = " "
		}
		clean[i] = ApplyInstruction(s, opts)
	}

	req := embeddingsRequest{Model: e.cfg.Model, Input: clean}
	if e.cfg.SupportsDimensions {
		req.Dimensions = e.cfg.Dim
	}

	var resp embeddingsResponse
	if err := e.do(ctx, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(clean) {
		return nil, fmt.Errorf("embeddings response incomplete: requested=%d returned=%d model=%s",
			len(clean), len(resp.Data), e.cfg.Model)
	}

	out := make([][]float32, len(clean))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings response index out of range: %d", d.Index)
		}
		out[d.Index] = e.toVector(d.Embedding)
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("embeddings response missing vector at index %d", i)
		}
	}
	return out, nil
}

// toVector converts and, when the provider ignored the dimensions parameter,
// truncates to the target width.
func (e *openAIEmbedder) toVector(raw []float64) []float32 {
	vec := make([]float32, len(raw))
	for i, f := range raw {
		vec[i] = float32(f)
	}
	if !e.cfg.SupportsDimensions && len(vec) > e.cfg.Dim {
		vec = vec[:e.cfg.Dim]
	}
	return vec
}

func (e *openAIEmbedder) do(ctx context.Context, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode embeddings request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 300 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = e.doOnce(ctx, payload, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		e.log.Warn("Embeddings call failed, retrying", "attempt", attempt, "error", lastErr)
	}
	return lastErr
}

func (e *openAIEmbedder) doOnce(ctx context.Context, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, e.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read embeddings response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &providerHTTPError{StatusCode: resp.StatusCode, Body: truncateBody(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode embeddings response: %w", err)
	}
	return nil
}

type providerHTTPError struct {
	StatusCode int
	Body       string
}

func (e *providerHTTPError) Error() string {
	return fmt.Sprintf("embedding http %d: %s", e.StatusCode, e.Body)
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var he *providerHTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	return false
}

func truncateBody(raw []byte) string {
	const max = 512
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
