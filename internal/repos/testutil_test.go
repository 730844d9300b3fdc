package repos

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/engramhq/engram-backend/internal/domain/memory"
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
