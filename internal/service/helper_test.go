package service

import (
	"context"
	"testing"

	"runlog/internal/config"
	"runlog/internal/ctxlog"
	"runlog/internal/model"
	"runlog/internal/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	ctx     context.Context
	db      *gorm.DB
	svc     *ServiceContext
	runs    *RunStore
	logs    *LogStore
	resumer *ResumeResolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb := testutil.NewDB(t)
	cfg := &config.Config{Experiments: config.ExperimentsConfig{AutoCreate: true}}
	svc := NewServiceContext(cfg, gdb)
	return &testEnv{
		ctx:     ctxlog.WithLogger(context.Background(), ctxlog.Discard()),
		db:      gdb,
		svc:     svc,
		runs:    svc.RunStore,
		logs:    svc.LogStore,
		resumer: svc.ResumeResolver,
	}
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func (e *testEnv) createRun(t *testing.T, experiment, name string) *model.Run {
	t.Helper()
	req := CreateRunRequest{ExperimentName: experiment}
	if name != "" {
		req.RunName = strPtr(name)
	}
	run, err := e.runs.CreateRun(e.ctx, req)
	require.NoError(t, err)
	return run
}

// appendRange 写入编号 from..to 的日志，类型为 logType，值 i = 编号
func (e *testEnv) appendRange(t *testing.T, runID uint, logType string, from, to int) {
	t.Helper()
	batch := make([]LogInput, 0, to-from+1)
	for n := from; n <= to; n++ {
		batch = append(batch, LogInput{Number: n, Type: logType, Values: map[string]any{"i": n}})
	}
	require.NoError(t, e.logs.AppendLogs(e.ctx, runID, batch))
}

// visibleNumbers run_logs 视图中的编号，按 (sequence, number) 排序
func (e *testEnv) visibleNumbers(t *testing.T, runID uint) []int {
	t.Helper()
	var numbers []int
	require.NoError(t, e.db.Model(&model.RunLog{}).
		Where("run_id = ?", runID).
		Order("sequence_number, number").
		Pluck("number", &numbers).Error)
	return numbers
}

func (e *testEnv) sequences(t *testing.T, runID uint) []model.LogSequence {
	t.Helper()
	var seqs []model.LogSequence
	require.NoError(t, e.db.Where("run_id = ?", runID).Order("number").Find(&seqs).Error)
	return seqs
}
