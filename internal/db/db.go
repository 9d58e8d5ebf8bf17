package db

import (
	"fmt"
	"os"
	"path/filepath"

	"runlog/internal/apperr"
	"runlog/internal/config"
	"runlog/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var DB *gorm.DB

// InitDB 连接数据库、执行迁移，并设置全局 DB
func InitDB(cfg *config.Config) error {
	gdb, err := Open(cfg)
	if err != nil {
		return err
	}
	if err := Migrate(gdb); err != nil {
		return err
	}
	DB = gdb
	return nil
}

// Open 按配置打开 mysql 或 sqlite 连接，不做迁移
func Open(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:         newGormLogger(),
		TranslateError: true,
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.Database.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("创建数据目录失败: %w", err)
			}
		}
		dsn := cfg.Database.Path + "?_foreign_keys=1&_busy_timeout=5000&_journal_mode=WAL"
		gdb, err := gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("获取连接池失败: %w", err)
		}
		// sqlite 只有一个写者，单连接让事务串行执行
		sqlDB.SetMaxOpenConns(1)
		return gdb, nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.DBName,
			cfg.Database.Charset,
		)
		gdb, err := gorm.Open(mysql.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		return gdb, nil
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Database.Driver)
	}
}

var models = []any{
	&model.Experiment{},
	&model.Run{},
	&model.LogSequence{},
	&model.Log{},
	&model.LogValue{},
}

// Migrate 建表、安装触发器和 run_logs 视图。可重复执行。
func Migrate(gdb *gorm.DB) error {
	dialect := gdb.Dialector.Name()
	statements, err := schemaStatements(dialect)
	if err != nil {
		return apperr.Wrap(err, apperr.MigrationFailed, "数据库迁移失败")
	}

	for _, stmt := range dropStatements() {
		if err := gdb.Exec(stmt).Error; err != nil {
			return apperr.Wrap(err, apperr.MigrationFailed, "删除触发器失败")
		}
	}

	if dialect == "sqlite" {
		err = migrateSQLite(gdb)
	} else {
		err = gdb.AutoMigrate(models...)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.MigrationFailed, "数据库迁移失败")
	}

	for _, stmt := range statements {
		if err := gdb.Exec(stmt).Error; err != nil {
			return apperr.Wrap(err, apperr.MigrationFailed, "执行迁移语句失败")
		}
	}
	return nil
}

// migrateSQLite 只补建缺失的表、列和索引。gorm 的 sqlite 迁移器修改列时会重建整张表，
// 已存在的表不交给 AutoMigrate。
func migrateSQLite(gdb *gorm.DB) error {
	m := gdb.Migrator()
	for _, mdl := range models {
		if !m.HasTable(mdl) {
			if err := m.CreateTable(mdl); err != nil {
				return err
			}
			continue
		}

		stmt := &gorm.Statement{DB: gdb}
		if err := stmt.Parse(mdl); err != nil {
			return err
		}
		for _, field := range stmt.Schema.Fields {
			if field.DBName == "" || field.IgnoreMigration {
				continue
			}
			if !m.HasColumn(mdl, field.DBName) {
				if err := m.AddColumn(mdl, field.DBName); err != nil {
					return err
				}
			}
		}
		for name := range stmt.Schema.ParseIndexes() {
			if !m.HasIndex(mdl, name) {
				if err := m.CreateIndex(mdl, name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
