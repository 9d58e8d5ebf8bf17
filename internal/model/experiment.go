package model

import (
	"time"
)

// Experiment 实验，首次使用时创建，之后不可变
type Experiment struct {
	ID        uint      `gorm:"primarykey" json:"experimentId"`
	CreatedAt time.Time `json:"createdAt"`

	Name string `gorm:"type:varchar(191);not null;uniqueIndex" json:"experimentName"`
}
