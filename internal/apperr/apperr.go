// Package apperr 定义服务端稳定的错误码，以及和 HTTP 状态码、数据库错误之间的映射
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gorm.io/gorm"
)

type Code string

const (
	ExperimentExists          Code = "EXPERIMENT_EXISTS"
	ExperimentNotFound        Code = "EXPERIMENT_NOT_FOUND"
	RunExists                 Code = "RUN_EXISTS"
	RunNotFound               Code = "RUN_NOT_FOUND"
	RunHasEnded               Code = "RUN_HAS_ENDED"
	RunNotRunning             Code = "RUN_NOT_RUNNING"
	LogNumberExistsInSequence Code = "LOG_NUMBER_EXISTS_IN_SEQUENCE"
	InvalidLogNumber          Code = "INVALID_LOG_NUMBER"
	LogNotFound               Code = "LOG_NOT_FOUND"
	LogImmutable              Code = "LOG_IMMUTABLE"
	MigrationFailed           Code = "MIGRATION_FAILED"
	InvalidRequest            Code = "INVALID_REQUEST"
	Internal                  Code = "INTERNAL"
)

// triggerCodes 触发器 RAISE/SIGNAL 时写在消息里的错误码
var triggerCodes = []Code{
	InvalidLogNumber,
	RunNotRunning,
	RunHasEnded,
	RunExists,
	LogImmutable,
}

type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 让 errors.Is(err, apperr.New(code, "")) 按错误码比较
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(cause error, code Code, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf 返回错误链上的错误码，未分类的错误返回 Internal
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func HTTPStatus(code Code) int {
	switch code {
	case ExperimentNotFound, RunNotFound, LogNotFound:
		return http.StatusNotFound
	case ExperimentExists, RunExists, RunHasEnded, LogNumberExistsInSequence, LogImmutable:
		return http.StatusConflict
	case InvalidLogNumber, RunNotRunning, InvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// FromDB 把数据库层错误翻译成错误码：触发器中止映射到触发器给出的错误码，
// 唯一索引冲突映射到 onUnique。无法识别的错误原样返回。
func FromDB(err error, onUnique Code) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
		return Wrap(err, onUnique, "唯一约束冲突")
	}
	msg := err.Error()
	for _, code := range triggerCodes {
		if strings.Contains(msg, string(code)) {
			return Wrap(err, code, "数据库约束拒绝写入")
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
