package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/engramhq/engram-backend/internal/platform/ctxutil"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// openAIReranker speaks the OpenAI-style rerank wire format:
// POST /v1/rerank {model, query, documents} -> {results: [{index, relevance_score}]}.
// DeepInfra, Jina and Cohere-compatible gateways all accept this shape.
type openAIReranker struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
}

func NewOpenAIReranker(log *logger.Logger, cfg Config) (Reranker, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if !cfg.Configured() {
		return nil, fmt.Errorf("rerank provider not configured: base_url and api_key required")
	}
	cfg = cfg.withDefaults()
	return &openAIReranker{
		log:  log.With("service", "OpenAIReranker", "model", cfg.Model),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *openAIReranker) Rerank(ctx context.Context, query string, passages []string, opts Options) ([]Result, error) {
	return runBatches(ctx, r.log, r.cfg, query, passages, opts, r.scoreBatch)
}

func (r *openAIReranker) scoreBatch(ctx context.Context, query string, passages []string, instruction string) ([]float64, error) {
	q := query
	if instruction != "" {
		q = instruction + "\n" + query
	}
	payload, err := json.Marshal(rerankRequest{Model: r.cfg.Model, Query: q, Documents: passages})
	if err != nil {
		return nil, fmt.Errorf("encode rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, r.cfg.BaseURL+"/v1/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rerank http %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var decoded rerankResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	if len(decoded.Results) != len(passages) {
		return nil, fmt.Errorf("rerank response incomplete: sent=%d scored=%d", len(passages), len(decoded.Results))
	}

	scores := make([]float64, len(passages))
	for _, res := range decoded.Results {
		if res.Index < 0 || res.Index >= len(scores) {
			return nil, fmt.Errorf("rerank response index out of range: %d", res.Index)
		}
		scores[res.Index] = res.RelevanceScore
	}
	return scores, nil
}

func truncateBody(raw []byte) string {
	const max = 512
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
