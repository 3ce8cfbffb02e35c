// Package testutil provides shared test fixtures.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/relaydist/relay/internal/models"
)

// OpenDB opens an isolated in-memory database with the full schema
// applied. The single connection keeps concurrent test goroutines on
// one serialized handle.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Project{},
		&models.ContentItem{},
		&models.Platform{},
		&models.CronJob{},
		&models.CronExecution{},
		&models.QueueItem{},
		&models.QueueMetricsSnapshot{},
		&models.ApprovalRule{},
		&models.ContentApproval{},
		&models.ApprovalEvent{},
		&models.Publication{},
		&models.OperatorAlert{},
	))

	return db
}
