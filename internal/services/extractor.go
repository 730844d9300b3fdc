package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/llm"
	"github.com/engramhq/engram-backend/internal/platform/logger"
)

// Decision is the extractor's verdict over the current window.
type Decision int

const (
	// DecisionAccumulate: no boundary yet, keep the window growing.
	DecisionAccumulate Decision = iota
	// DecisionWait: evidence insufficient (or the model was inconclusive),
	// hold the window as-is.
	DecisionWait
	// DecisionEmit: an episode ended; a MemCell was produced.
	DecisionEmit
)

// StatusResult is returned alongside every decision.
type StatusResult struct {
	ShouldWait bool `json:"should_wait"`
}

// ExtractionResult carries the decision and, for Emit, the produced cell.
type ExtractionResult struct {
	Decision Decision
	Cell     *memory.MemCell
	Status   StatusResult
}

// MemCellExtractor decides episode boundaries over (history, new) windows
// and builds MemCells for completed episodes.
type MemCellExtractor interface {
	Extract(ctx context.Context, history, pending []memory.RawMessage, groupID string, scene memory.Scene) (*ExtractionResult, error)
}

const (
	// Windows larger than this enable the smart mask: the model is told to
	// treat the oldest turns as background only when judging the boundary.
	smartMaskThreshold = 5
	// Transient LLM failures tolerated before giving up with Wait.
	boundaryMaxAttempts = 5
)

const boundarySystemPrompt = `You segment chat logs into conversational episodes.
Given a numbered list of chat messages in time order, decide whether the LAST message marks the end of an episode (a topic, activity or exchange that has concluded).
Respond with a JSON object:
{"boundary": true|false, "boundary_index": <index of the last message belonging to the completed episode>, "subject": "<short subject>", "summary": "<one-sentence episode summary>"}
If the log is too short or ambiguous to judge, respond {"boundary": false, "wait": true}.
If no episode has completed yet, respond {"boundary": false}.`

const boundarySmartMaskNote = `The first %d messages are stale background context: do not let them trigger a boundary on their own, but include them in the subject and summary if the completed episode covers them.`

const episodeSystemPrompt = `You write third-person narrative summaries of chat episodes.
Given the messages of one completed conversational episode, write a detailed narrative of what happened: who said what, decisions made, facts mentioned, emotional tone. Preserve names, dates and concrete details. Output plain text only.`

type memCellExtractor struct {
	log *logger.Logger
	llm llm.Client
}

func NewMemCellExtractor(log *logger.Logger, llmClient llm.Client) MemCellExtractor {
	return &memCellExtractor{
		log: log.With("service", "MemCellExtractor"),
		llm: llmClient,
	}
}

type boundaryVerdict struct {
	Boundary      bool   `json:"boundary"`
	Wait          bool   `json:"wait"`
	BoundaryIndex int    `json:"boundary_index"`
	Subject       string `json:"subject"`
	Summary       string `json:"summary"`
}

func (e *memCellExtractor) Extract(ctx context.Context, history, pending []memory.RawMessage, groupID string, scene memory.Scene) (*ExtractionResult, error) {
	window := make([]memory.RawMessage, 0, len(history)+len(pending))
	window = append(window, history...)
	window = append(window, pending...)
	sort.SliceStable(window, func(i, j int) bool {
		return window[i].CreateTime.Before(window[j].CreateTime)
	})
	if len(window) == 0 {
		return &ExtractionResult{Decision: DecisionAccumulate}, nil
	}

	verdict, err := e.judgeBoundary(ctx, window)
	if err != nil {
		e.log.Warn("Boundary judgement unavailable, holding window", "group_id", groupID, "error", err)
		return &ExtractionResult{Decision: DecisionWait, Status: StatusResult{ShouldWait: true}}, nil
	}
	if verdict.Wait {
		return &ExtractionResult{Decision: DecisionWait, Status: StatusResult{ShouldWait: true}}, nil
	}
	if !verdict.Boundary {
		return &ExtractionResult{Decision: DecisionAccumulate}, nil
	}

	idx := verdict.BoundaryIndex
	if idx < 0 || idx >= len(window) {
		// A boundary claim with a nonsense index is treated as inconclusive.
		e.log.Warn("Boundary index out of range, holding window",
			"group_id", groupID, "index", idx, "window", len(window))
		return &ExtractionResult{Decision: DecisionWait, Status: StatusResult{ShouldWait: true}}, nil
	}

	covered := window[:idx+1]
	cell, err := e.buildCell(ctx, covered, groupID, verdict)
	if err != nil {
		return nil, err
	}
	return &ExtractionResult{Decision: DecisionEmit, Cell: cell}, nil
}

func (e *memCellExtractor) judgeBoundary(ctx context.Context, window []memory.RawMessage) (*boundaryVerdict, error) {
	system := boundarySystemPrompt
	if len(window) > smartMaskThreshold {
		masked := len(window) - smartMaskThreshold
		system += "\n" + fmt.Sprintf(boundarySmartMaskNote, masked)
	}
	user := renderMessages(window, true)

	parseFailures := 0
	var lastErr error
	for attempt := 0; attempt < boundaryMaxAttempts; attempt++ {
		raw, err := e.llm.GenerateJSON(ctx, system, user)
		if err != nil {
			lastErr = err
			if !llm.Retryable(err) {
				// Parsing errors count separately: two in a row means the
				// model is confused, not the transport.
				parseFailures++
				if parseFailures >= 2 {
					return &boundaryVerdict{Wait: true}, nil
				}
			}
			continue
		}
		verdict, ok := decodeBoundaryVerdict(raw)
		if !ok {
			parseFailures++
			if parseFailures >= 2 {
				return &boundaryVerdict{Wait: true}, nil
			}
			continue
		}
		return verdict, nil
	}
	return nil, fmt.Errorf("boundary judgement failed after %d attempts: %w", boundaryMaxAttempts, lastErr)
}

func decodeBoundaryVerdict(raw map[string]any) (*boundaryVerdict, bool) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var v boundaryVerdict
	if err := json.Unmarshal(buf, &v); err != nil {
		return nil, false
	}
	if v.Boundary && v.Summary == "" {
		// A boundary without a summary is not actionable.
		return nil, false
	}
	return &v, true
}

func (e *memCellExtractor) buildCell(ctx context.Context, covered []memory.RawMessage, groupID string, verdict *boundaryVerdict) (*memory.MemCell, error) {
	if len(covered) == 0 {
		return nil, fmt.Errorf("cannot build cell from empty coverage")
	}

	episode, err := e.llm.GenerateText(ctx, episodeSystemPrompt, renderMessages(covered, false))
	if err != nil {
		// The summary still lets the cell carry retrievable text.
		e.log.Warn("Episode narration failed, falling back to summary", "group_id", groupID, "error", err)
		episode = verdict.Summary
	}

	participants := participantUnion(covered)
	last := covered[len(covered)-1]

	cell := &memory.MemCell{
		EventID:      uuid.NewString(),
		Type:         memory.MemCellTypeConversation,
		GroupID:      groupID,
		UserID:       firstUserSender(covered),
		UserIDList:   participants,
		Participants: participants,
		Timestamp:    last.CreateTime,
		Subject:      verdict.Subject,
		Summary:      verdict.Summary,
		Episode:      episode,
		OriginalData: covered,
	}
	return cell, nil
}

func renderMessages(msgs []memory.RawMessage, numbered bool) string {
	var b strings.Builder
	for i, m := range msgs {
		if numbered {
			fmt.Fprintf(&b, "[%d] ", i)
		}
		name := m.SenderName
		if name == "" {
			name = m.Sender
		}
		fmt.Fprintf(&b, "%s (%s, %s): %s\n",
			name, m.Role, m.CreateTime.UTC().Format(time.RFC3339), m.Content)
	}
	return b.String()
}

func participantUnion(msgs []memory.RawMessage) []string {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Sender == "" {
			continue
		}
		if _, ok := seen[m.Sender]; ok {
			continue
		}
		seen[m.Sender] = struct{}{}
		out = append(out, m.Sender)
	}
	return out
}

func firstUserSender(msgs []memory.RawMessage) string {
	for _, m := range msgs {
		if m.Role == memory.RoleUser && m.Sender != "" {
			return m.Sender
		}
	}
	if len(msgs) > 0 {
		return msgs[0].Sender
	}
	return ""
}
