package service

import (
	"runlog/internal/config"

	"gorm.io/gorm"
)

type ServiceContext struct {
	RunStore       *RunStore
	LogStore       *LogStore
	ResumeResolver *ResumeResolver
	Exporter       *Exporter
}

func NewServiceContext(cfg *config.Config, db *gorm.DB) *ServiceContext {
	logStore := NewLogStore(db)
	return &ServiceContext{
		RunStore:       NewRunStore(db, cfg.Experiments.AutoCreate),
		LogStore:       logStore,
		ResumeResolver: NewResumeResolver(db),
		Exporter:       NewExporter(logStore),
	}
}
