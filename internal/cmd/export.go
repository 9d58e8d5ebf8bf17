package cmd

import (
	"bufio"
	"fmt"

	"runlog/internal/ctxlog"
	"runlog/internal/db"
	"runlog/internal/service"

	"github.com/spf13/cobra"
)

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export visible logs to stdout as json or csv",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			format, _ := cmd.Flags().GetString("format")
			experiment, _ := cmd.Flags().GetString("experiment")
			run, _ := cmd.Flags().GetString("run")
			logType, _ := cmd.Flags().GetString("type")

			ctx := ctxlog.WithLogger(cmd.Context(), newLogger(cfg))
			if err := db.InitDB(cfg); err != nil {
				return fmt.Errorf("初始化数据库失败: %w", err)
			}
			defer func() {
				if sqlDB, err := db.DB.DB(); err == nil {
					_ = sqlDB.Close()
				}
			}()

			svcCtx := service.NewServiceContext(cfg, db.DB)

			out := bufio.NewWriter(cmd.OutOrStdout())
			err = svcCtx.Exporter.Export(ctx, out, service.ExportFormat(format), service.LogFilter{
				ExperimentName: experiment,
				RunName:        run,
				Type:           logType,
			})
			if err != nil {
				return err
			}
			return out.Flush()
		},
	}
	cmd.Flags().String("format", string(service.FormatCSV), "输出格式: json|csv")
	cmd.Flags().String("experiment", "", "只导出该实验")
	cmd.Flags().String("run", "", "只导出该 run 名称")
	cmd.Flags().String("type", "", "只导出该日志类型")
	return cmd
}
