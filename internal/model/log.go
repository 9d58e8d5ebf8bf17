package model

import (
	"time"

	"gorm.io/datatypes"
)

// Log 只追加的日志记录。Type 为空表示客户端跳过的编号（占位），之后可以补写；
// Type 非空后不可修改、不可删除，只允许写一次 CanceledBy。
type Log struct {
	ID        uint      `gorm:"primarykey" json:"logId"`
	CreatedAt time.Time `json:"createdAt"`

	SequenceID uint    `gorm:"not null;uniqueIndex:idx_logs_sequence_number" json:"sequenceId"`
	Number     int     `gorm:"not null;uniqueIndex:idx_logs_sequence_number" json:"logNumber"`
	Type       *string `gorm:"column:log_type;type:varchar(191);index" json:"logType"`
	// 被哪个后续 sequence 取消
	CanceledBy *uint `gorm:"index" json:"canceledBy"`
}

// LogValue 日志的键值载荷
type LogValue struct {
	ID    uint           `gorm:"primarykey" json:"-"`
	LogID uint           `gorm:"not null;uniqueIndex:idx_log_values_log_name" json:"logId"`
	Name  string         `gorm:"type:varchar(191);not null;uniqueIndex:idx_log_values_log_name" json:"name"`
	Value datatypes.JSON `json:"value"`
}

// RunLog run_logs 视图：排除已取消日志后的可见日志流
type RunLog struct {
	LogID          uint
	RunID          uint
	SequenceID     uint
	SequenceNumber int
	Number         int
	Type           *string `gorm:"column:log_type"`
}

func (RunLog) TableName() string { return "run_logs" }
