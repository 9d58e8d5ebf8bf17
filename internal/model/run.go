package model

import (
	"time"
)

type RunStatus string

const (
	RunIdle        RunStatus = "idle"
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunCanceled    RunStatus = "canceled"
	RunInterrupted RunStatus = "interrupted"
)

var AllRunStatuses = []RunStatus{RunIdle, RunRunning, RunCompleted, RunCanceled, RunInterrupted}

func (s RunStatus) Valid() bool {
	for _, v := range AllRunStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Ended completed 和 canceled 是终态
func (s RunStatus) Ended() bool {
	return s == RunCompleted || s == RunCanceled
}

// Run 一次实验执行（一个被试/客户端）
type Run struct {
	ID        uint      `gorm:"primarykey" json:"runId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	ExperimentID uint `gorm:"not null;index:idx_runs_experiment_name" json:"experimentId"`
	// 同一实验下未取消的 run 名称唯一
	Name   *string   `gorm:"type:varchar(191);index:idx_runs_experiment_name" json:"runName"`
	Status RunStatus `gorm:"type:varchar(20);not null;index" json:"runStatus"`

	// 查询时 join experiments 填充
	ExperimentName string `gorm:"-:migration;->" json:"experimentName"`
}

// LogSequence 一次（重新）开始记录的纪元，start 是该纪元接受的最小日志编号
type LogSequence struct {
	ID        uint      `gorm:"primarykey" json:"sequenceId"`
	CreatedAt time.Time `json:"createdAt"`

	RunID  uint `gorm:"not null;uniqueIndex:idx_sequences_run_number" json:"runId"`
	Number int  `gorm:"not null;uniqueIndex:idx_sequences_run_number" json:"sequenceNumber"`
	Start  int  `gorm:"column:start_number;not null" json:"start"`
}
