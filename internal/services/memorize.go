package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/apierr"
	"github.com/engramhq/engram-backend/internal/platform/embedding"
	"github.com/engramhq/engram-backend/internal/platform/logger"
	"github.com/engramhq/engram-backend/internal/platform/redislock"
	"github.com/engramhq/engram-backend/internal/repos"
)

// Cursor arithmetic granularity. The new-side cursor always advances one
// step past the last consumed message so re-reads exclude it.
const cursorStep = time.Millisecond

const (
	StatusInfoAccumulated = "accumulated"
	StatusInfoExtracted   = "extracted"
)

// MemorizeResult reports one ingest outcome.
type MemorizeResult struct {
	Count      int      `json:"count"`
	StatusInfo string   `json:"status_info"`
	SavedIDs   []string `json:"saved_memory_ids,omitempty"`
}

// MemorizeService is the ingest coordinator: append to the window, take the
// group lock, re-materialise the (history, new) split from the cursor, run
// boundary extraction and, on Emit, persist and fan out the MemCell before
// advancing the cursor.
type MemorizeService interface {
	Memorize(ctx context.Context, msg memory.RawMessage) (*MemorizeResult, error)
}

type memorizeService struct {
	log        *logger.Logger
	locker     redislock.Locker
	window     repos.WindowRepo
	status     repos.ConversationStatusRepo
	cells      repos.MemCellRepo
	meta       repos.ConversationMetaRepo
	importance repos.ImportanceStatRepo
	requests   repos.RequestLogRepo
	extractor  MemCellExtractor
	semantic   SemanticExtractor
	eventLog   EventLogExtractor
	syncer     SyncService
	profiles   ProfileManager
	embedder   embedding.Embedder
}

type MemorizeDeps struct {
	Locker     redislock.Locker
	Window     repos.WindowRepo
	Status     repos.ConversationStatusRepo
	Cells      repos.MemCellRepo
	Meta       repos.ConversationMetaRepo
	Importance repos.ImportanceStatRepo
	Requests   repos.RequestLogRepo
	Extractor  MemCellExtractor
	Semantic   SemanticExtractor
	EventLog   EventLogExtractor
	Syncer     SyncService
	Profiles   ProfileManager
	Embedder   embedding.Embedder
}

func NewMemorizeService(log *logger.Logger, deps MemorizeDeps) MemorizeService {
	return &memorizeService{
		log:        log.With("service", "MemorizeService"),
		locker:     deps.Locker,
		window:     deps.Window,
		status:     deps.Status,
		cells:      deps.Cells,
		meta:       deps.Meta,
		importance: deps.Importance,
		requests:   deps.Requests,
		extractor:  deps.Extractor,
		semantic:   deps.Semantic,
		eventLog:   deps.EventLog,
		syncer:     deps.Syncer,
		profiles:   deps.Profiles,
		embedder:   deps.Embedder,
	}
}

func (s *memorizeService) Memorize(ctx context.Context, msg memory.RawMessage) (*MemorizeResult, error) {
	if err := validateMessage(&msg); err != nil {
		return nil, err
	}

	entry := &memory.WindowEntry{
		GroupID:    msg.GroupID,
		MessageID:  msg.MessageID,
		Sender:     msg.Sender,
		SenderName: msg.SenderName,
		Role:       msg.Role,
		Content:    msg.Content,
		CreateTime: msg.CreateTime,
		ReferList:  msg.ReferList,
	}
	if err := s.window.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append window entry: %w", err)
	}

	release, err := s.locker.Lock(ctx, lockKey(msg.GroupID))
	if err != nil {
		return nil, fmt.Errorf("acquire group lock: %w", err)
	}
	defer release()

	res, err := s.memorizeLocked(ctx, msg)
	s.appendRequestLog(ctx, msg, res, err)
	return res, err
}

func (s *memorizeService) memorizeLocked(ctx context.Context, msg memory.RawMessage) (*MemorizeResult, error) {
	status, err := s.status.Get(ctx, msg.GroupID)
	if err != nil {
		return nil, fmt.Errorf("load conversation status: %w", err)
	}
	if status == nil {
		status = &memory.ConversationStatus{
			GroupID:         msg.GroupID,
			OldMsgStartTime: msg.CreateTime,
			NewMsgStartTime: msg.CreateTime,
		}
		if err := s.status.Save(ctx, status); err != nil {
			return nil, fmt.Errorf("init conversation status: %w", err)
		}
	}

	if err := s.rewindForLateArrival(ctx, status, msg); err != nil {
		return nil, err
	}

	now := msg.CreateTime
	if t := time.Now().UTC(); t.After(now) {
		now = t
	}

	history, err := s.window.Range(ctx, msg.GroupID,
		status.OldMsgStartTime, status.NewMsgStartTime.Add(-time.Nanosecond), memory.MaxFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("load history window: %w", err)
	}
	pending, err := s.window.Range(ctx, msg.GroupID,
		status.NewMsgStartTime, now.Add(cursorStep), memory.MaxFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("load pending window: %w", err)
	}
	if len(history) == 0 && len(pending) == 0 {
		return &MemorizeResult{StatusInfo: StatusInfoAccumulated}, nil
	}

	if err := s.markAccumulating(ctx, msg.GroupID, history, pending); err != nil {
		return nil, err
	}

	scene := s.sceneFor(ctx, msg.GroupID)
	result, err := s.extractor.Extract(ctx, entriesToMessages(history), entriesToMessages(pending), msg.GroupID, scene)
	if err != nil {
		return nil, fmt.Errorf("boundary extraction: %w", err)
	}

	switch result.Decision {
	case DecisionWait:
		return &MemorizeResult{StatusInfo: StatusInfoAccumulated}, nil
	case DecisionAccumulate:
		// Slide the new-side cursor so everything seen so far becomes
		// history on the next ingest.
		if len(pending) > 0 {
			last := pending[len(pending)-1].CreateTime
			if last.After(status.NewMsgStartTime) {
				status.NewMsgStartTime = last
				if err := s.status.Save(ctx, status); err != nil {
					return nil, fmt.Errorf("advance accumulate cursor: %w", err)
				}
			}
		}
		return &MemorizeResult{StatusInfo: StatusInfoAccumulated}, nil
	case DecisionEmit:
		return s.emit(ctx, status, result.Cell)
	default:
		return nil, fmt.Errorf("unknown extraction decision %d", result.Decision)
	}
}

// rewindForLateArrival handles out-of-order messages: when something older
// than the new-side cursor shows up unconsumed, both cursors move back so the
// next window re-covers it.
func (s *memorizeService) rewindForLateArrival(ctx context.Context, status *memory.ConversationStatus, msg memory.RawMessage) error {
	tMin := msg.CreateTime
	unconsumed, err := s.window.RangeUnconsumed(ctx, msg.GroupID,
		time.Unix(0, 0).UTC(), status.NewMsgStartTime, memory.MaxFetchLimit)
	if err != nil {
		return fmt.Errorf("scan unconsumed entries: %w", err)
	}
	for _, e := range unconsumed {
		if e.CreateTime.Before(tMin) {
			tMin = e.CreateTime
		}
	}
	if !tMin.Before(status.NewMsgStartTime) {
		return nil
	}

	s.log.Info("Rewinding cursor for late arrival",
		"group_id", msg.GroupID, "t_min", tMin, "new_cursor", status.NewMsgStartTime)
	status.NewMsgStartTime = tMin
	if back := tMin.Add(-cursorStep); back.Before(status.OldMsgStartTime) {
		status.OldMsgStartTime = back
	}
	return s.status.Save(ctx, status)
}

func (s *memorizeService) markAccumulating(ctx context.Context, groupID string, batches ...[]memory.WindowEntry) error {
	ids := make([]string, 0, 16)
	for _, batch := range batches {
		for _, e := range batch {
			ids = append(ids, e.MessageID)
		}
	}
	if err := s.window.SetStatus(ctx, groupID, ids, memory.StatusAccumulating); err != nil {
		return fmt.Errorf("mark accumulating: %w", err)
	}
	return nil
}

// emit persists the cell, runs the downstream extractors, fans out to the
// indexes and only then advances the cursor. A failed fan-out leaves the
// cursor untouched so the next ingest retries the same coverage.
func (s *memorizeService) emit(ctx context.Context, status *memory.ConversationStatus, cell *memory.MemCell) (*MemorizeResult, error) {
	vec, err := s.embedder.Embed(ctx, episodeEmbedText(cell), embedding.Options{})
	if err != nil {
		s.log.Warn("Episode embedding failed, cell will be keyword-only",
			"event_id", cell.EventID, "error", err)
	} else {
		cell.SetEpisodeEmbedding(vec)
	}

	if err := s.cells.Upsert(ctx, cell); err != nil {
		return nil, fmt.Errorf("persist mem cell: %w", err)
	}

	if semantics, err := s.semantic.Extract(ctx, cell); err != nil {
		s.log.Warn("Semantic extraction failed", "event_id", cell.EventID, "error", err)
	} else {
		cell.SemanticMemories = semantics
	}
	if eventLog, err := s.eventLog.Extract(ctx, cell); err != nil {
		s.log.Warn("Event log extraction failed", "event_id", cell.EventID, "error", err)
	} else {
		cell.EventLog = eventLog
	}
	if err := s.cells.Upsert(ctx, cell); err != nil {
		return nil, fmt.Errorf("persist enriched mem cell: %w", err)
	}

	syncRes, err := s.syncer.Sync(ctx, cell)
	if err != nil {
		// Cursor stays put: the coverage is retried on the next ingest.
		s.log.Error("Fan-out failed, cursor not advanced", "event_id", cell.EventID, "error", err)
		return &MemorizeResult{StatusInfo: StatusInfoAccumulated}, nil
	}

	covered := cell.OriginalData
	last := covered[len(covered)-1].CreateTime
	status.OldMsgStartTime = last
	status.NewMsgStartTime = last.Add(cursorStep)
	status.LastMemCellTime = cell.Timestamp
	if err := s.status.Save(ctx, status); err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}

	coveredIDs := make([]string, 0, len(covered))
	for _, m := range covered {
		coveredIDs = append(coveredIDs, m.MessageID)
	}
	if err := s.window.SetStatus(ctx, cell.GroupID, coveredIDs, memory.StatusConsumed); err != nil {
		s.log.Error("Marking consumed failed", "event_id", cell.EventID, "error", err)
	}

	s.bumpImportance(ctx, cell)

	if s.profiles != nil {
		if err := s.profiles.Update(ctx, cell); err != nil {
			s.log.Warn("Profile update failed", "event_id", cell.EventID, "error", err)
		}
	}

	count := 1 + syncRes.SemanticMemory + syncRes.EventLog
	saved := make([]string, 0, count)
	saved = append(saved, memory.EpisodeRecordID(cell.EventID))
	for i := 0; i < syncRes.SemanticMemory; i++ {
		saved = append(saved, memory.SemanticRecordID(cell.EventID, i))
	}
	for j := 0; j < syncRes.EventLog; j++ {
		saved = append(saved, memory.EventLogRecordID(cell.EventID, j))
	}
	return &MemorizeResult{Count: count, StatusInfo: StatusInfoExtracted, SavedIDs: saved}, nil
}

// bumpImportance credits each participant: one speak per message sent, one
// refer per mention of them, one shared conversation per participant.
func (s *memorizeService) bumpImportance(ctx context.Context, cell *memory.MemCell) {
	speak := make(map[string]int64)
	refer := make(map[string]int64)
	for _, m := range cell.OriginalData {
		if m.Sender != "" {
			speak[m.Sender]++
		}
		for _, ref := range m.ReferList {
			if ref != "" {
				refer[ref]++
			}
		}
	}
	for _, user := range cell.Participants {
		if err := s.importance.Bump(ctx, user, cell.GroupID, speak[user], refer[user], 1); err != nil {
			s.log.Warn("Importance bump failed", "user_id", user, "group_id", cell.GroupID, "error", err)
		}
	}
}

func (s *memorizeService) sceneFor(ctx context.Context, groupID string) memory.Scene {
	meta, _, err := s.meta.GetWithDefault(ctx, groupID)
	if err != nil || meta == nil || !meta.Scene.Valid() {
		return memory.SceneGroupChat
	}
	return meta.Scene
}

func (s *memorizeService) appendRequestLog(ctx context.Context, msg memory.RawMessage, res *MemorizeResult, opErr error) {
	entry := &memory.RequestLog{
		GroupID:   msg.GroupID,
		MessageID: msg.MessageID,
	}
	if res != nil {
		entry.StatusInfo = res.StatusInfo
		entry.MemoryCount = res.Count
	}
	if opErr != nil {
		entry.StatusInfo = "failed"
		entry.ErrorDetail = opErr.Error()
	}
	if err := s.requests.Append(ctx, entry); err != nil {
		s.log.Warn("Request log append failed", "group_id", msg.GroupID, "error", err)
	}
}

func validateMessage(msg *memory.RawMessage) error {
	if strings.TrimSpace(msg.MessageID) == "" {
		return apierr.Invalid("invalid_request", fmt.Errorf("message_id is required"))
	}
	if strings.TrimSpace(msg.Sender) == "" {
		return apierr.Invalid("invalid_request", fmt.Errorf("sender is required"))
	}
	if strings.TrimSpace(msg.Content) == "" {
		return apierr.Invalid("invalid_request", fmt.Errorf("content is required"))
	}
	if msg.CreateTime.IsZero() {
		return apierr.Invalid("invalid_request", fmt.Errorf("create_time is required"))
	}
	if msg.Role == "" {
		msg.Role = memory.RoleUser
	}
	if msg.Role != memory.RoleUser && msg.Role != memory.RoleAssistant {
		return apierr.Invalid("invalid_request", fmt.Errorf("role must be user or assistant"))
	}
	msg.CreateTime = msg.CreateTime.UTC()
	return nil
}

func lockKey(groupID string) string {
	if groupID == "" {
		return "group:__default__"
	}
	return "group:" + groupID
}

func entriesToMessages(entries []memory.WindowEntry) []memory.RawMessage {
	out := make([]memory.RawMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message())
	}
	return out
}

func episodeEmbedText(cell *memory.MemCell) string {
	if cell.Episode != "" {
		return cell.Episode
	}
	return cell.Summary
}
