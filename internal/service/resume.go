package service

import (
	"context"
	"errors"
	"fmt"

	"runlog/internal/model"

	"gorm.io/gorm"
)

type ResumableFilter struct {
	ExperimentName string
	RunName        string
	LogTypes       []string
}

// ResumePoint 恢复点：客户端应从 LogNumber+1 继续记录。没有可恢复日志时为 (nil, 0)。
type ResumePoint struct {
	LogType   *string `json:"logType"`
	LogNumber int     `json:"logNumber"`
}

type ResumableRun struct {
	Run          model.Run   `json:"run"`
	ResumesAfter ResumePoint `json:"resumesAfter"`
}

// ResumeResolver 计算 running / interrupted 的 run 应该从哪里恢复
type ResumeResolver struct {
	db *gorm.DB
}

func NewResumeResolver(db *gorm.DB) *ResumeResolver {
	return &ResumeResolver{db: db}
}

// GetResumableRuns 对每个候选 run，在可见日志流中找类型属于 LogTypes 的最大编号；
// 多种类型时取全局最大，而不是每种类型各自的最大值。编号在第一个缺失日志之后的不算。
func (r *ResumeResolver) GetResumableRuns(ctx context.Context, filter ResumableFilter) ([]ResumableRun, error) {
	tx := r.db.WithContext(ctx)

	q := runsWithExperiment(tx).Where("runs.status IN ?", []model.RunStatus{model.RunRunning, model.RunInterrupted})
	if filter.ExperimentName != "" {
		q = q.Where("experiments.name = ?", filter.ExperimentName)
	}
	if filter.RunName != "" {
		q = q.Where("runs.name = ?", filter.RunName)
	}
	var runs []model.Run
	if err := q.Order("runs.id").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("查询可恢复run失败: %w", err)
	}

	out := make([]ResumableRun, 0, len(runs))
	for _, run := range runs {
		point, err := resumePoint(tx, run.ID, filter.LogTypes)
		if err != nil {
			return nil, err
		}
		out = append(out, ResumableRun{Run: run, ResumesAfter: point})
	}
	return out, nil
}

func resumePoint(tx *gorm.DB, runID uint, logTypes []string) (ResumePoint, error) {
	if len(logTypes) == 0 {
		return ResumePoint{}, nil
	}
	gap, hasGap, err := firstPlaceholder(tx, runID)
	if err != nil {
		return ResumePoint{}, err
	}

	q := tx.Model(&model.RunLog{}).Where("run_id = ? AND log_type IN ?", runID, logTypes)
	if hasGap {
		q = q.Where("number < ?", gap)
	}
	var last model.RunLog
	err = q.Order("number DESC").Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ResumePoint{}, nil
	}
	if err != nil {
		return ResumePoint{}, fmt.Errorf("查询恢复点失败: %w", err)
	}
	return ResumePoint{LogType: last.Type, LogNumber: last.Number}, nil
}
