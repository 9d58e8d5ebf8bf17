// Package testutil 测试用的 sqlite 数据库
package testutil

import (
	"path/filepath"
	"testing"

	"runlog/internal/config"
	"runlog/internal/db"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// NewDB 在临时目录创建并迁移一个 sqlite 数据库，测试结束时关闭
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "runlog.db"),
		},
	}
	gdb, err := db.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}
