package rerank

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/engramhq/engram-backend/internal/platform/logger"
)

func testConfig() Config {
	return Config{BatchSize: 2, MaxBatchConcurrent: 2, MaxRetries: 0}.withDefaults()
}

func TestRunBatchesSorted(t *testing.T) {
	scores := map[string]float64{"a": 0.1, "b": 0.9, "c": 0.5}
	score := func(ctx context.Context, query string, passages []string, instruction string) ([]float64, error) {
		out := make([]float64, len(passages))
		for i, p := range passages {
			out[i] = scores[p]
		}
		return out, nil
	}

	results, err := runBatches(context.Background(), logger.NewNop(), testConfig(), "q",
		[]string{"a", "b", "c"}, Options{}, score)
	if err != nil {
		t.Fatalf("runBatches: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("result count: want=3 got=%d", len(results))
	}
	if results[0].Index != 1 || results[1].Index != 2 || results[2].Index != 0 {
		t.Fatalf("descending order broken: %+v", results)
	}
}

func TestRunBatchesTopK(t *testing.T) {
	score := func(ctx context.Context, query string, passages []string, instruction string) ([]float64, error) {
		out := make([]float64, len(passages))
		for i := range passages {
			out[i] = float64(len(passages[i]))
		}
		return out, nil
	}
	results, err := runBatches(context.Background(), logger.NewNop(), testConfig(), "q",
		[]string{"a", "bb", "ccc", "dddd"}, Options{TopK: 2}, score)
	if err != nil {
		t.Fatalf("runBatches: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("topk: want=2 got=%d", len(results))
	}
	if results[0].Index != 3 {
		t.Fatalf("best passage: want index=3 got=%d", results[0].Index)
	}
}

func TestRunBatchesFailedBatchGetsSentinel(t *testing.T) {
	// Batch size 2: ["a","b"] succeed, ["c","d"] always fail.
	score := func(ctx context.Context, query string, passages []string, instruction string) ([]float64, error) {
		if passages[0] == "c" {
			return nil, fmt.Errorf("batch exploded")
		}
		return []float64{0.5, 0.4}, nil
	}
	results, err := runBatches(context.Background(), logger.NewNop(), testConfig(), "q",
		[]string{"a", "b", "c", "d"}, Options{}, score)
	if err != nil {
		t.Fatalf("runBatches: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("failed passages must not vanish: want=4 got=%d", len(results))
	}
	for _, r := range results[2:] {
		if r.Score != FailedBatchScore {
			t.Fatalf("failed batch score: want=%v got=%v", FailedBatchScore, r.Score)
		}
	}
}

func TestRunBatchesAllFailed(t *testing.T) {
	score := func(ctx context.Context, query string, passages []string, instruction string) ([]float64, error) {
		return nil, fmt.Errorf("down")
	}
	_, err := runBatches(context.Background(), logger.NewNop(), testConfig(), "q",
		[]string{"a", "b", "c"}, Options{}, score)
	var afe *AllBatchesFailedError
	if !errors.As(err, &afe) {
		t.Fatalf("want AllBatchesFailedError got %v", err)
	}
}

func TestRunBatchesEmpty(t *testing.T) {
	results, err := runBatches(context.Background(), logger.NewNop(), testConfig(), "q",
		nil, Options{}, nil)
	if err != nil {
		t.Fatalf("runBatches: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("want empty got %v", results)
	}
}

type stubReranker struct {
	out   []Result
	err   error
	calls int
}

func (s *stubReranker) Rerank(ctx context.Context, query string, passages []string, opts Options) ([]Result, error) {
	s.calls++
	return s.out, s.err
}

func TestHybridRerankerFailover(t *testing.T) {
	primary := &stubReranker{err: fmt.Errorf("down")}
	fallback := &stubReranker{out: []Result{{Index: 0, Score: 1}}}
	h, err := NewHybrid(logger.NewNop(), primary, fallback, 2)
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}

	out, err := h.Rerank(context.Background(), "q", []string{"p"}, Options{})
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(out) != 1 || out[0].Score != 1 {
		t.Fatalf("want fallback result got %+v", out)
	}
	if got := h.PrimaryFailureCount(); got != 1 {
		t.Fatalf("failure count: want=1 got=%d", got)
	}

	primary.err = nil
	primary.out = []Result{{Index: 0, Score: 2}}
	if _, err := h.Rerank(context.Background(), "q", []string{"p"}, Options{}); err != nil {
		t.Fatalf("Rerank after recovery: %v", err)
	}
	if got := h.PrimaryFailureCount(); got != 0 {
		t.Fatalf("counter after recovery: want=0 got=%d", got)
	}
}
