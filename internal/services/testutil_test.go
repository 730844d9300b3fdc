package services

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/embedding"
)

// testDB opens a private in-memory sqlite database with the full schema.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// A single connection keeps the :memory: database alive for the test.
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&memory.WindowEntry{},
		&memory.ConversationStatus{},
		&memory.MemCell{},
		&memory.EpisodicRecord{},
		&memory.Profile{},
		&memory.ClusterState{},
		&memory.ConversationMeta{},
		&memory.RequestLog{},
		&memory.ImportanceStat{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// stubEmbed returns the same vector for every text.
type stubEmbed struct {
	vec []float32
	err error
}

func (s *stubEmbed) Embed(ctx context.Context, text string, opts embedding.Options) ([]float32, error) {
	return s.vec, s.err
}

func (s *stubEmbed) EmbedBatch(ctx context.Context, texts []string, opts embedding.Options) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

func (s *stubEmbed) Dimensions() int { return len(s.vec) }

type extractorFunc func(ctx context.Context, history, pending []memory.RawMessage, groupID string, scene memory.Scene) (*ExtractionResult, error)

func (f extractorFunc) Extract(ctx context.Context, history, pending []memory.RawMessage, groupID string, scene memory.Scene) (*ExtractionResult, error) {
	return f(ctx, history, pending, groupID, scene)
}

type semanticFunc func(ctx context.Context, cell *memory.MemCell) ([]memory.SemanticMemory, error)

func (f semanticFunc) Extract(ctx context.Context, cell *memory.MemCell) ([]memory.SemanticMemory, error) {
	return f(ctx, cell)
}

type eventLogFunc func(ctx context.Context, cell *memory.MemCell) (*memory.EventLog, error)

func (f eventLogFunc) Extract(ctx context.Context, cell *memory.MemCell) (*memory.EventLog, error) {
	return f(ctx, cell)
}

// fakeSyncer records the cells it was asked to fan out.
type fakeSyncer struct {
	res   *SyncResult
	err   error
	cells []*memory.MemCell
}

func (f *fakeSyncer) Sync(ctx context.Context, cell *memory.MemCell) (*SyncResult, error) {
	f.cells = append(f.cells, cell)
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &SyncResult{Episode: 1}, nil
}
