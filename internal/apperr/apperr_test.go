package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCodeOf(t *testing.T) {
	err := New(RunNotFound, "run %d 不存在", 3)
	assert.Equal(t, RunNotFound, CodeOf(err))
	assert.Equal(t, RunNotFound, CodeOf(fmt.Errorf("外层: %w", err)))
	assert.Equal(t, Internal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.True(t, HasCode(err, RunNotFound))
	assert.False(t, HasCode(nil, RunNotFound))
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(RunHasEnded, "run 已结束"))
	assert.ErrorIs(t, err, New(RunHasEnded, ""))
	assert.NotErrorIs(t, err, New(RunExists, ""))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, Internal, "x"))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		RunNotFound:               http.StatusNotFound,
		ExperimentNotFound:        http.StatusNotFound,
		RunExists:                 http.StatusConflict,
		LogNumberExistsInSequence: http.StatusConflict,
		RunHasEnded:               http.StatusConflict,
		InvalidLogNumber:          http.StatusBadRequest,
		InvalidRequest:            http.StatusBadRequest,
		MigrationFailed:           http.StatusInternalServerError,
		Internal:                  http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), code)
	}
}

func TestFromDB(t *testing.T) {
	assert.NoError(t, FromDB(nil, RunExists))

	err := FromDB(errors.New("UNIQUE constraint failed: logs.sequence_id, logs.number"), LogNumberExistsInSequence)
	assert.Equal(t, LogNumberExistsInSequence, CodeOf(err))

	err = FromDB(gorm.ErrDuplicatedKey, ExperimentExists)
	assert.Equal(t, ExperimentExists, CodeOf(err))

	err = FromDB(errors.New("Error 1644 (45000): LOG_IMMUTABLE"), Internal)
	assert.Equal(t, LogImmutable, CodeOf(err))

	err = FromDB(errors.New("RUN_HAS_ENDED"), Internal)
	assert.Equal(t, RunHasEnded, CodeOf(err))

	typed := New(RunNotFound, "x")
	require.Same(t, typed, FromDB(typed, Internal))

	plain := errors.New("disk full")
	assert.Same(t, plain, FromDB(plain, Internal))
}
