package cmd

import (
	"fmt"

	"runlog/internal/db"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables, triggers and views",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			logger := newLogger(cfg)

			gdb, err := db.Open(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if sqlDB, err := gdb.DB(); err == nil {
					_ = sqlDB.Close()
				}
			}()
			if err := db.Migrate(gdb); err != nil {
				return err
			}
			logger.Info("migration finished", "driver", cfg.Database.Driver)
			return nil
		},
	}
}
