package services

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/embedding"
	"github.com/engramhq/engram-backend/internal/platform/llm"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// Concurrent embedding calls allowed while vectorising atomic facts.
const factEmbedConcurrency = 20

// SemanticExtractor distills durable facts from a completed episode.
type SemanticExtractor interface {
	Extract(ctx context.Context, cell *memory.MemCell) ([]memory.SemanticMemory, error)
}

// EventLogExtractor decomposes an episode into embedded atomic facts.
type EventLogExtractor interface {
	Extract(ctx context.Context, cell *memory.MemCell) (*memory.EventLog, error)
}

const semanticSystemPrompt = `You extract durable semantic memories from a chat episode.
A semantic memory is a stable fact about a person, relationship, preference, plan or state of the world that remains useful after the conversation ends. Skip chit-chat and one-off remarks.
Respond with a JSON object:
{"memories": [{"content": "<fact in third person>", "evidence": "<short quote or paraphrase>", "start_time": "<RFC3339 or empty>", "end_time": "<RFC3339 or empty>", "duration_days": <int or 0>}]}
Use empty strings and 0 where a field does not apply. Return {"memories": []} when nothing durable was said.`

const eventLogSystemPrompt = `You decompose a chat episode into atomic facts.
An atomic fact is one self-contained statement of something that happened or was said, with subjects named explicitly (no pronouns).
Respond with a JSON object: {"atomic_facts": ["<fact>", ...]}.
Return {"atomic_facts": []} when the episode contains nothing factual.`

type semanticExtractor struct {
	log      *logger.Logger
	llm      llm.Client
	embedder embedding.Embedder
}

func NewSemanticExtractor(log *logger.Logger, llmClient llm.Client, embedder embedding.Embedder) SemanticExtractor {
	return &semanticExtractor{
		log:      log.With("service", "SemanticExtractor"),
		llm:      llmClient,
		embedder: embedder,
	}
}

type semanticPayload struct {
	Memories []struct {
		Content      string `json:"content"`
		Evidence     string `json:"evidence"`
		StartTime    string `json:"start_time"`
		EndTime      string `json:"end_time"`
		DurationDays int    `json:"duration_days"`
	} `json:"memories"`
}

func (s *semanticExtractor) Extract(ctx context.Context, cell *memory.MemCell) ([]memory.SemanticMemory, error) {
	raw, err := s.llm.GenerateJSON(ctx, semanticSystemPrompt, episodePromptBody(cell))
	if err != nil {
		return nil, err
	}
	var payload semanticPayload
	if err := redecode(raw, &payload); err != nil {
		s.log.Warn("Semantic payload undecodable, skipping", "event_id", cell.EventID, "error", err)
		return []memory.SemanticMemory{}, nil
	}

	out := make([]memory.SemanticMemory, 0, len(payload.Memories))
	texts := make([]string, 0, len(payload.Memories))
	for _, m := range payload.Memories {
		if m.Content == "" {
			continue
		}
		sm := memory.SemanticMemory{
			Content:         m.Content,
			Evidence:        m.Evidence,
			SourceEpisodeID: cell.EventID,
		}
		if t := parseRFC3339(m.StartTime); t != nil {
			sm.StartTime = t
		}
		if t := parseRFC3339(m.EndTime); t != nil {
			sm.EndTime = t
		}
		if m.DurationDays > 0 {
			d := m.DurationDays
			sm.DurationDays = &d
		}
		out = append(out, sm)
		texts = append(texts, m.Content)
	}
	if len(out) == 0 {
		return out, nil
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts, embedding.Options{})
	if err != nil {
		// Unembedded memories still land in the document store; sync skips
		// their vector writes.
		s.log.Warn("Semantic embedding failed", "event_id", cell.EventID, "error", err)
		return out, nil
	}
	for i := range out {
		if i < len(vectors) {
			out[i].Embedding = vectors[i]
		}
	}
	return out, nil
}

type eventLogExtractor struct {
	log      *logger.Logger
	llm      llm.Client
	embedder embedding.Embedder
}

func NewEventLogExtractor(log *logger.Logger, llmClient llm.Client, embedder embedding.Embedder) EventLogExtractor {
	return &eventLogExtractor{
		log:      log.With("service", "EventLogExtractor"),
		llm:      llmClient,
		embedder: embedder,
	}
}

type eventLogPayload struct {
	AtomicFacts []string `json:"atomic_facts"`
}

func (e *eventLogExtractor) Extract(ctx context.Context, cell *memory.MemCell) (*memory.EventLog, error) {
	raw, err := e.llm.GenerateJSON(ctx, eventLogSystemPrompt, episodePromptBody(cell))
	if err != nil {
		return nil, err
	}
	var payload eventLogPayload
	if err := redecode(raw, &payload); err != nil {
		e.log.Warn("Event log payload undecodable, skipping", "event_id", cell.EventID, "error", err)
		return nil, nil
	}

	facts := make([]string, 0, len(payload.AtomicFacts))
	for _, f := range payload.AtomicFacts {
		if f != "" {
			facts = append(facts, f)
		}
	}
	if len(facts) == 0 {
		return nil, nil
	}

	embeddings, err := e.embedFacts(ctx, facts)
	if err != nil {
		e.log.Warn("Fact embedding failed, dropping event log", "event_id", cell.EventID, "error", err)
		return nil, nil
	}

	return &memory.EventLog{
		Time:           cell.Timestamp,
		AtomicFacts:    facts,
		FactEmbeddings: embeddings,
	}, nil
}

// embedFacts vectorises each fact in parallel so long episodes do not
// serialise on the embedding provider. The result stays index-aligned with
// the fact list; any failure drops the whole log rather than leave a ragged
// pair of arrays.
func (e *eventLogExtractor) embedFacts(ctx context.Context, facts []string) ([][]float32, error) {
	out := make([][]float32, len(facts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(factEmbedConcurrency)
	for i, fact := range facts {
		g.Go(func() error {
			vec, err := e.embedder.Embed(gctx, fact, embedding.Options{})
			if err != nil {
				return err
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func episodePromptBody(cell *memory.MemCell) string {
	body := "Subject: " + cell.Subject + "\nSummary: " + cell.Summary + "\nEpisode:\n" + cell.Episode
	if len(cell.OriginalData) > 0 {
		body += "\n\nOriginal messages:\n" + renderMessages(cell.OriginalData, false)
	}
	return body
}

func redecode(raw map[string]any, into any) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, into)
}

func parseRFC3339(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}
