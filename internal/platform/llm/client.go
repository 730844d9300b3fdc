package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/engramhq/engram-backend/internal/platform/ctxutil"
	"github.com/engramhq/engram-backend/internal/platform/envutil"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// Client is the chat-completions client used by the extraction pipeline.
// The boundary detector and the profile manager both talk JSON to the model,
// the episode extractor wants plain text.
type Client interface {
	GenerateJSON(ctx context.Context, system string, user string) (map[string]any, error)
	GenerateText(ctx context.Context, system string, user string) (string, error)
}

type client struct {
	log         *logger.Logger
	baseURL     string
	apiKey      string
	model       string
	temperature *float64
	maxRetries  int
	httpClient  *http.Client
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing LLM_API_KEY")
	}
	baseURL := strings.TrimRight(envutil.Str("LLM_BASE_URL", "https://api.openai.com"), "/")
	model := envutil.Str("LLM_MODEL", "gpt-4o-mini")
	timeout := envutil.Seconds("LLM_TIMEOUT_SECONDS", 120*time.Second)

	var temp *float64
	if !envutil.Bool("LLM_DISABLE_TEMPERATURE", false) {
		t := envutil.Float("LLM_TEMPERATURE", 0.2)
		temp = &t
	}

	return &client{
		log:         log.With("service", "LLMClient"),
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		temperature: temp,
		maxRetries:  envutil.Int("LLM_MAX_RETRIES", 3),
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether an error is worth another attempt: timeouts,
// transport failures, 429 and 5xx.
func Retryable(err error) bool {
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
	var he *httpError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	// Unwrapped transport errors from http.Client come through as *url.Error
	// which satisfies net.Error above; anything else is a caller bug.
	return false
}

func (c *client) GenerateText(ctx context.Context, system string, user string) (string, error) {
	return c.generate(ctx, system, user, nil)
}

func (c *client) GenerateJSON(ctx context.Context, system string, user string) (map[string]any, error) {
	raw, err := c.generate(ctx, system, user, &responseFormat{Type: "json_object"})
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(extractJSONBlock(raw)), &out); err != nil {
		return nil, fmt.Errorf("llm returned non-JSON content: %w", err)
	}
	return out, nil
}

func (c *client) generate(ctx context.Context, system, user string, format *responseFormat) (string, error) {
	req := chatRequest{
		Model:          c.model,
		Temperature:    c.temperature,
		ResponseFormat: format,
	}
	if s := strings.TrimSpace(system); s != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: s})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: user})

	var resp chatResponse
	if err := c.do(ctx, "/v1/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices: model=%s", c.model)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *client) do(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode llm request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			c.log.Warn("Retrying LLM call", "attempt", attempt, "error", lastErr)
		}

		lastErr = c.doOnce(ctx, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *client) doOnce(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read llm response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode llm response: %w", err)
	}
	return nil
}

// extractJSONBlock tolerates models that wrap JSON in markdown fences even
// when asked for a json_object response.
func extractJSONBlock(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
