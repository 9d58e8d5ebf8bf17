package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"runlog/internal/db"
	"runlog/internal/router"
	"runlog/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the HTTP server",
		Aliases: []string{"server"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			if port, _ := cmd.Flags().GetInt("port"); port > 0 {
				cfg.Server.Port = port
			}
			logger := newLogger(cfg)

			// 初始化数据库
			if err := db.InitDB(cfg); err != nil {
				return fmt.Errorf("初始化数据库失败: %w", err)
			}

			gin.SetMode(cfg.Server.Mode)
			svcCtx := service.NewServiceContext(cfg, db.DB)
			r := router.SetupRouter(svcCtx, logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("server started", "addr", srv.Addr, "driver", cfg.Database.Driver)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("启动服务失败: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("关闭服务失败: %w", err)
			}
			if sqlDB, err := db.DB.DB(); err == nil {
				_ = sqlDB.Close()
			}
			return nil
		},
	}
	cmd.Flags().Int("port", 0, "监听端口，覆盖配置文件")
	return cmd
}
