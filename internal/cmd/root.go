// Package cmd runlog 命令行：serve / migrate / export / log
package cmd

import (
	"log/slog"
	"os"

	"runlog/internal/config"
	"runlog/internal/ctxlog"

	"github.com/spf13/cobra"
)

// NewRoot 构造根命令并注册所有子命令
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "runlog",
		Short:         "Resumable run log server and tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", config.PathFromEnv(), "配置文件路径 (RUNLOG_CONFIG)")

	serve := newServeCommand()
	// 不带子命令时启动服务
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve)
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newExportCommand())
	root.AddCommand(newLogCommand())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadConfig(path)
}

// newLogger 日志写到 stderr，stdout 留给 export 输出。同时设为默认 logger，
// 没有请求 context 的 gorm 日志也走这里。
func newLogger(cfg *config.Config) *slog.Logger {
	logger := ctxlog.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)
	return logger
}
