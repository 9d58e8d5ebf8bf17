package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"runlog/internal/ctxlog"
	"runlog/pkg/runlogger"

	"github.com/spf13/cobra"
)

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Stream JSON log entries from stdin into a run",
		Long: `读取 stdin 上的 JSON 对象 {"type": "...", "values": {...}}，逐条写入 run。
输入结束时完成 run，收到中断信号时把 run 标记为 interrupted。
指定 --resume-types 时会查找可恢复的同名 run，跳过已经确认的输入条目后继续写入。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			server, _ := cmd.Flags().GetString("server")
			if server == "" {
				server = cfg.Client.Server
			}
			experiment, _ := cmd.Flags().GetString("experiment")
			runName, _ := cmd.Flags().GetString("run")
			resumeTypes, _ := cmd.Flags().GetString("resume-types")

			opts := runlogger.Options{ExperimentName: experiment, Throttle: cfg.Client.Throttle}
			if runName != "" {
				opts.RunName = &runName
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx = ctxlog.WithLogger(ctx, newLogger(cfg))

			return replay(ctx, runlogger.NewHTTPTransport(server, nil), opts, splitList(resumeTypes), cmd.InOrStdin())
		},
	}
	cmd.Flags().String("server", "", "服务地址，默认取 client.server")
	cmd.Flags().String("experiment", "", "实验名称")
	cmd.Flags().String("run", "", "run 名称")
	cmd.Flags().String("resume-types", "", "逗号分隔的日志类型，用于定位恢复点")
	_ = cmd.MarkFlagRequired("experiment")
	return cmd
}

type inputEntry struct {
	Type   string         `json:"type"`
	Values map[string]any `json:"values"`
}

// replay 把 in 中的条目写入新 run，或者恢复一个可恢复的 run。第 n 个条目对应日志编号 n，
// 所以恢复时跳过编号不超过恢复点的条目。
func replay(ctx context.Context, t runlogger.Transport, opts runlogger.Options, resumeTypes []string, in io.Reader) error {
	logger := ctxlog.FromContext(ctx)

	l, err := openLogger(ctx, t, opts, resumeTypes, logger)
	if err != nil {
		return err
	}
	skip := l.LogCount()

	var acks []*runlogger.Ack
	dec := json.NewDecoder(in)
	dec.UseNumber()
	for n := 1; ; n++ {
		var e inputEntry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			endCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			_ = l.InterruptRun(endCtx)
			stop()
			return fmt.Errorf("解析第 %d 条输入失败: %w", n, err)
		}
		if n <= skip {
			continue
		}
		ack, err := l.AddLog(runlogger.Entry{Type: e.Type, Values: e.Values})
		if err != nil {
			return err
		}
		if len(acks) == 0 || acks[len(acks)-1] != ack {
			acks = append(acks, ack)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		// 中断信号之后 ctx 已取消，用新的 ctx 把 run 标记为 interrupted
		endCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		logger.Warn("interrupted", "run_id", l.RunID(), "log_count", l.LogCount())
		return l.InterruptRun(endCtx)
	}
	if err := l.Flush(ctx); err != nil {
		return err
	}
	// 节流定时器在后台发送的批次失败时不能完成 run
	for _, ack := range acks {
		if err := ack.Err(); err != nil {
			_ = l.InterruptRun(ctx)
			return fmt.Errorf("日志批次被拒绝: %w", err)
		}
	}
	if err := l.CompleteRun(ctx); err != nil {
		return err
	}
	logger.Info("run completed", "run_id", l.RunID(), "log_count", l.LogCount(), "skipped", skip)
	return nil
}

func openLogger(ctx context.Context, t runlogger.Transport, opts runlogger.Options, resumeTypes []string, logger *slog.Logger) (*runlogger.Logger, error) {
	if len(resumeTypes) > 0 {
		runName := ""
		if opts.RunName != nil {
			runName = *opts.RunName
		}
		candidates, err := t.GetResumableRuns(ctx, opts.ExperimentName, runName, resumeTypes)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			c := candidates[0]
			logger.Info("resuming run", "run_id", c.Run.ID, "after", c.ResumesAfter.LogNumber)
			return runlogger.Resume(ctx, t, c.Run.ID, c.ResumesAfter.LogNumber, opts)
		}
	}
	l, err := runlogger.Start(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("run started", "run_id", l.RunID())
	return l, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
