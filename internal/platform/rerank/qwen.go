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

// Qwen rerankers served by vLLM expose a /score endpoint instead of
// /v1/rerank, and expect the instruction baked into a chat-style template
// around the query. This adapter isolates that wire format.
const (
	qwenSystemPrompt = "Judge whether the Document meets the requirements based on the Query and the Instruct provided. Note that the answer can only be \"yes\" or \"no\"."
	qwenPrefix       = "<|im_start|>system\n" + qwenSystemPrompt + "<|im_end|>\n<|im_start|>user\n"
	qwenSuffix       = "<|im_end|>\n<|im_start|>assistant\n<think>\n\n</think>\n\n"
)

type qwenReranker struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
}

func NewQwenReranker(log *logger.Logger, cfg Config) (Reranker, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if !cfg.Configured() {
		return nil, fmt.Errorf("rerank provider not configured: base_url and api_key required")
	}
	cfg = cfg.withDefaults()
	return &qwenReranker{
		log:  log.With("service", "QwenReranker", "model", cfg.Model),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type qwenScoreRequest struct {
	Model string   `json:"model"`
	Text1 string   `json:"text_1"`
	Text2 []string `json:"text_2"`
}

type qwenScoreResponse struct {
	Data []struct {
		Score float64 `json:"score"`
	} `json:"data"`
}

func (r *qwenReranker) Rerank(ctx context.Context, query string, passages []string, opts Options) ([]Result, error) {
	return runBatches(ctx, r.log, r.cfg, query, passages, opts, r.scoreBatch)
}

func (r *qwenReranker) scoreBatch(ctx context.Context, query string, passages []string, instruction string) ([]float64, error) {
	formatted := qwenPrefix + "<Instruct>: " + instruction + "\n<Query>: " + query + "\n" + qwenSuffix
	docs := make([]string, len(passages))
	for i, p := range passages {
		docs[i] = "<Document>: " + p
	}

	payload, err := json.Marshal(qwenScoreRequest{Model: r.cfg.Model, Text1: formatted, Text2: docs})
	if err != nil {
		return nil, fmt.Errorf("encode qwen score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, r.cfg.BaseURL+"/score", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build qwen score request: %w", err)
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
		return nil, fmt.Errorf("read qwen score response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qwen score http %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var decoded qwenScoreResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode qwen score response: %w", err)
	}
	if len(decoded.Data) != len(passages) {
		return nil, fmt.Errorf("qwen score response incomplete: sent=%d scored=%d", len(passages), len(decoded.Data))
	}

	scores := make([]float64, len(passages))
	for i, d := range decoded.Data {
		scores[i] = d.Score
	}
	return scores, nil
}
