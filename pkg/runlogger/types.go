package runlogger

import (
	"context"
	"errors"
	"fmt"
)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusCanceled    Status = "canceled"
	StatusInterrupted Status = "interrupted"
)

// 服务端错误码
const (
	CodeRunHasEnded               = "RUN_HAS_ENDED"
	CodeRunNotFound               = "RUN_NOT_FOUND"
	CodeRunExists                 = "RUN_EXISTS"
	CodeLogNumberExistsInSequence = "LOG_NUMBER_EXISTS_IN_SEQUENCE"
	CodeInvalidLogNumber          = "INVALID_LOG_NUMBER"
)

// ErrNotRunning 本地状态不是 running，或正在结束 run
var ErrNotRunning = errors.New("runlogger: run is not running")

// Entry 调用方提交的一条日志，编号由 Logger 分配
type Entry struct {
	Type   string
	Values map[string]any
}

// Log 发送给服务端的日志
type Log struct {
	Type   string         `json:"type"`
	Number int            `json:"number"`
	Values map[string]any `json:"values"`
}

type Run struct {
	ID             uint    `json:"runId"`
	ExperimentName string  `json:"experimentName"`
	Name           *string `json:"runName"`
	Status         Status  `json:"runStatus"`
}

type ResumePoint struct {
	LogType   *string `json:"logType"`
	LogNumber int     `json:"logNumber"`
}

type ResumableRun struct {
	Run          Run         `json:"run"`
	ResumesAfter ResumePoint `json:"resumesAfter"`
}

// Transport 与服务端的交互，HTTPTransport 是默认实现
type Transport interface {
	CreateRun(ctx context.Context, experimentName string, runName *string) (*Run, error)
	PostLogs(ctx context.Context, runID uint, logs []Log) error
	SetRunStatus(ctx context.Context, runID uint, status Status, resumeFrom *int) (*Run, error)
	GetResumableRuns(ctx context.Context, experimentName, runName string, logTypes []string) ([]ResumableRun, error)
}

// ServerError 服务端返回的 {"error", "code"}
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("runlogger: server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func CodeOf(err error) string {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsAlreadyApplied 重试时服务端报告编号已存在，说明这批日志之前已经写入
func IsAlreadyApplied(err error) bool {
	return CodeOf(err) == CodeLogNumberExistsInSequence
}
