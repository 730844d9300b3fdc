package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/elastic"
	"github.com/engramhq/engram-backend/internal/platform/logger"
	"github.com/engramhq/engram-backend/internal/platform/qdrant"
	"github.com/engramhq/engram-backend/internal/repos"
)

// Episode text beyond this many runes is cut from search_content; the full
// text still lives on the record body.
const searchContentEpisodeRunes = 500

// SyncResult counts what the fan-out wrote per store.
type SyncResult struct {
	Episode        int `json:"episode"`
	SemanticMemory int `json:"semantic_memory"`
	EventLog       int `json:"event_log"`
	EsRecords      int `json:"es_records"`
}

// SyncService flattens a MemCell into child records and fans them out to the
// document store, the vector index and the inverted index under structural
// ids. The fan-out is deemed successful iff the episode record landed in the
// document store; individual child failures are logged and skipped.
type SyncService interface {
	Sync(ctx context.Context, cell *memory.MemCell) (*SyncResult, error)
}

type syncService struct {
	log      *logger.Logger
	episodic repos.EpisodicRecordRepo
	vector   qdrant.Index
	inverted elastic.Index
}

func NewSyncService(log *logger.Logger, episodic repos.EpisodicRecordRepo, vector qdrant.Index, inverted elastic.Index) SyncService {
	return &syncService{
		log:      log.With("service", "SyncService"),
		episodic: episodic,
		vector:   vector,
		inverted: inverted,
	}
}

// derivedRecord pairs one flattened record with its vector (nil means skip
// the vector write).
type derivedRecord struct {
	record memory.EpisodicRecord
	vector []float32
	kind   memory.MemoryKind
}

func (s *syncService) Sync(ctx context.Context, cell *memory.MemCell) (*SyncResult, error) {
	if cell == nil || cell.EventID == "" {
		return nil, fmt.Errorf("sync requires a persisted cell with an event id")
	}

	derived := s.derive(cell)
	res := &SyncResult{}
	episodeWrote := false

	for _, d := range derived {
		if err := s.writeRecord(ctx, d, res); err != nil {
			s.log.Error("Record fan-out failed, continuing",
				"record_id", d.record.ID, "kind", d.kind, "error", err)
			continue
		}
		switch d.kind {
		case memory.KindEpisode:
			res.Episode++
			episodeWrote = true
		case memory.KindSemantic:
			res.SemanticMemory++
		case memory.KindEventLog:
			res.EventLog++
		}
	}

	if err := s.vector.Flush(ctx); err != nil {
		s.log.Warn("Vector flush failed", "event_id", cell.EventID, "error", err)
	}
	if err := s.inverted.Refresh(ctx); err != nil {
		s.log.Warn("Inverted index refresh failed", "event_id", cell.EventID, "error", err)
	}

	if !episodeWrote {
		return res, fmt.Errorf("episode record for %s did not write", cell.EventID)
	}
	return res, nil
}

func (s *syncService) writeRecord(ctx context.Context, d derivedRecord, res *SyncResult) error {
	if err := s.episodic.Upsert(ctx, &d.record); err != nil {
		return fmt.Errorf("document store: %w", err)
	}

	if len(d.vector) > 0 {
		if err := s.vector.Insert(ctx, s.toEntity(d)); err != nil {
			s.log.Error("Vector insert failed, record remains keyword-only",
				"record_id", d.record.ID, "error", err)
		}
	}

	if err := s.inverted.Upsert(ctx, toDoc(d.record)); err != nil {
		s.log.Error("Inverted index upsert failed",
			"record_id", d.record.ID, "error", err)
	} else {
		res.EsRecords++
	}
	return nil
}

func (s *syncService) derive(cell *memory.MemCell) []derivedRecord {
	out := make([]derivedRecord, 0, 1+len(cell.SemanticMemories))

	episodeVec := cell.EpisodeEmbedding()
	if len(episodeVec) == 0 {
		s.log.Warn("Episode embedding missing, vector write skipped", "event_id", cell.EventID)
	}
	episodeBody := cell.Episode
	if episodeBody == "" {
		episodeBody = cell.Summary
	}
	out = append(out, derivedRecord{
		kind:   memory.KindEpisode,
		vector: episodeVec,
		record: memory.EpisodicRecord{
			ID:            memory.EpisodeRecordID(cell.EventID),
			ParentEventID: cell.EventID,
			UserID:        cell.UserID,
			GroupID:       cell.GroupID,
			Participants:  cell.Participants,
			Timestamp:     cell.Timestamp,
			Episode:       episodeBody,
			SearchContent: searchContent(cell),
			MemorySubType: memory.KindEpisode,
			EventType:     cell.Type,
		},
	})

	for i, sm := range cell.SemanticMemories {
		out = append(out, derivedRecord{
			kind:   memory.KindSemantic,
			vector: sm.Embedding,
			record: memory.EpisodicRecord{
				ID:            memory.SemanticRecordID(cell.EventID, i),
				ParentEventID: cell.EventID,
				UserID:        cell.UserID,
				GroupID:       cell.GroupID,
				Participants:  cell.Participants,
				Timestamp:     cell.Timestamp,
				Episode:       sm.Content,
				SearchContent: []string{sm.Content},
				MemorySubType: memory.KindSemantic,
				EventType:     cell.Type,
				StartTime:     sm.StartTime,
				EndTime:       sm.EndTime,
			},
		})
	}

	if el := cell.EventLog; el != nil {
		if !el.Consistent() {
			// A ragged facts/embeddings pair cannot be written coherently;
			// the whole group is dropped rather than half-indexed.
			s.log.Error("Event log facts and embeddings misaligned, skipping group",
				"event_id", cell.EventID,
				"facts", len(el.AtomicFacts), "embeddings", len(el.FactEmbeddings))
		} else {
			for j, fact := range el.AtomicFacts {
				var vec []float32
				if j < len(el.FactEmbeddings) {
					vec = el.FactEmbeddings[j]
				}
				out = append(out, derivedRecord{
					kind:   memory.KindEventLog,
					vector: vec,
					record: memory.EpisodicRecord{
						ID:            memory.EventLogRecordID(cell.EventID, j),
						ParentEventID: cell.EventID,
						UserID:        cell.UserID,
						GroupID:       cell.GroupID,
						Participants:  cell.Participants,
						Timestamp:     cell.Timestamp,
						Episode:       fact,
						SearchContent: []string{fact},
						MemorySubType: memory.KindEventLog,
						EventType:     cell.Type,
					},
				})
			}
		}
	}
	return out
}

func (s *syncService) toEntity(d derivedRecord) qdrant.Entity {
	rec := d.record
	e := qdrant.Entity{
		ID:            rec.ID,
		Vector:        d.vector,
		UserID:        rec.UserID,
		GroupID:       rec.GroupID,
		Participants:  rec.Participants,
		Timestamp:     rec.Timestamp.Unix(),
		MemorySubType: string(rec.MemorySubType),
		EventType:     string(rec.EventType),
		ParentEventID: rec.ParentEventID,
		SearchContent: rec.SearchContent,
		Metadata:      metadataJSON(rec),
	}
	if rec.StartTime != nil {
		e.StartTime = rec.StartTime.Unix()
	}
	if rec.EndTime != nil {
		e.EndTime = rec.EndTime.Unix()
	}
	return e
}

func toDoc(rec memory.EpisodicRecord) elastic.Doc {
	d := elastic.Doc{
		ID:            rec.ID,
		UserID:        rec.UserID,
		GroupID:       rec.GroupID,
		Participants:  rec.Participants,
		Timestamp:     rec.Timestamp.Unix(),
		Episode:       rec.Episode,
		SearchContent: rec.SearchContent,
		MemorySubType: string(rec.MemorySubType),
		EventType:     string(rec.EventType),
		ParentEventID: rec.ParentEventID,
		Metadata:      metadataJSON(rec),
	}
	if rec.StartTime != nil {
		d.StartTime = rec.StartTime.Unix()
	}
	if rec.EndTime != nil {
		d.EndTime = rec.EndTime.Unix()
	}
	return d
}

func metadataJSON(rec memory.EpisodicRecord) string {
	if len(rec.Extend) == 0 {
		return ""
	}
	buf, err := json.Marshal(rec.Extend)
	if err != nil {
		return ""
	}
	return string(buf)
}

// searchContent builds the episode record's multi-field search text: subject,
// summary and a truncated episode body.
func searchContent(cell *memory.MemCell) []string {
	out := make([]string, 0, 3)
	if cell.Subject != "" {
		out = append(out, cell.Subject)
	}
	if cell.Summary != "" {
		out = append(out, cell.Summary)
	}
	if cell.Episode != "" {
		out = append(out, truncateRunes(cell.Episode, searchContentEpisodeRunes))
	}
	return out
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
