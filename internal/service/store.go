package service

import (
	"database/sql"
	"errors"
	"fmt"

	"runlog/internal/apperr"
	"runlog/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// runsWithExperiment run 查询，附带实验名
func runsWithExperiment(tx *gorm.DB) *gorm.DB {
	return tx.Model(&model.Run{}).
		Select("runs.*, experiments.name AS experiment_name").
		Joins("JOIN experiments ON experiments.id = runs.experiment_id")
}

// lockRun 在事务内锁住 run 行（mysql 为 SELECT ... FOR UPDATE，sqlite 靠单连接串行）
func lockRun(tx *gorm.DB, runID uint) (*model.Run, error) {
	var run model.Run
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", runID).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.RunNotFound, "run %d 不存在", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询run失败: %w", err)
	}
	return &run, nil
}

func loadRun(tx *gorm.DB, runID uint) (*model.Run, error) {
	var run model.Run
	err := runsWithExperiment(tx).Where("runs.id = ?", runID).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.RunNotFound, "run %d 不存在", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询run失败: %w", err)
	}
	return &run, nil
}

func currentSequence(tx *gorm.DB, runID uint) (*model.LogSequence, error) {
	var seq model.LogSequence
	err := tx.Where("run_id = ?", runID).Order("number DESC").Take(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询sequence失败: %w", err)
	}
	return &seq, nil
}

// firstPlaceholder run 可见日志流中第一个占位日志的编号
func firstPlaceholder(tx *gorm.DB, runID uint) (int, bool, error) {
	var n sql.NullInt64
	err := tx.Model(&model.RunLog{}).
		Select("MIN(number)").
		Where("run_id = ? AND log_type IS NULL", runID).
		Row().Scan(&n)
	if err != nil {
		return 0, false, fmt.Errorf("查询占位日志失败: %w", err)
	}
	if !n.Valid {
		return 0, false, nil
	}
	return int(n.Int64), true, nil
}

// lastVisibleNumber run 可见日志流中的最大编号，没有日志时为 0
func lastVisibleNumber(tx *gorm.DB, runID uint) (int, error) {
	var n int
	err := tx.Model(&model.RunLog{}).
		Select("COALESCE(MAX(number), 0)").
		Where("run_id = ?", runID).
		Row().Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("查询最大日志编号失败: %w", err)
	}
	return n, nil
}

// startSequence 创建 run 的下一个 sequence，并在同一事务内取消该 run 所有编号 >= start
// 且尚未取消的日志。调用方负责开启事务并已锁住 run。
func startSequence(tx *gorm.DB, runID uint, start int) (*model.LogSequence, error) {
	if start < 1 {
		return nil, apperr.New(apperr.InvalidLogNumber, "sequence 起始编号必须 >= 1，实际为 %d", start)
	}
	last, err := currentSequence(tx, runID)
	if err != nil {
		return nil, err
	}
	seq := &model.LogSequence{RunID: runID, Number: 1, Start: start}
	if last != nil {
		seq.Number = last.Number + 1
	}
	if err := tx.Create(seq).Error; err != nil {
		return nil, apperr.FromDB(err, apperr.RunHasEnded)
	}

	err = tx.Model(&model.Log{}).
		Where("canceled_by IS NULL AND number >= ?", start).
		Where("sequence_id IN (SELECT id FROM log_sequences WHERE run_id = ? AND id <> ?)", runID, seq.ID).
		Update("canceled_by", seq.ID).Error
	if err != nil {
		return nil, apperr.FromDB(err, apperr.Internal)
	}
	return seq, nil
}
