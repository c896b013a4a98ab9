package services

import (
	"fmt"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/planloom/extraction-backend/internal/types"
)

var testDBSeq atomic.Int64

// newTestDB opens a fresh in-memory sqlite database migrated with the
// extraction models. One connection, so every query sees the same store.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := gdb.AutoMigrate(
		&types.SchemaVersion{},
		&types.ExtractionJob{},
		&types.JobDataLayer{},
		&types.ExtractionResult{},
		&types.Supplier{},
		&types.SupplierMatch{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}
