package service

import (
	"testing"

	"runlog/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resumable(t *testing.T, env *testEnv, filter ResumableFilter) map[uint]ResumePoint {
	t.Helper()
	runs, err := env.resumer.GetResumableRuns(env.ctx, filter)
	require.NoError(t, err)
	out := map[uint]ResumePoint{}
	for _, r := range runs {
		out[r.Run.ID] = r.ResumesAfter
	}
	return out
}

func TestGetResumableRuns_OnlyRunningOrInterrupted(t *testing.T) {
	env := newTestEnv(t)
	running := env.createRun(t, "e1", "a")
	interrupted := env.createRun(t, "e1", "b")
	completed := env.createRun(t, "e1", "c")
	_, err := env.runs.SetRunStatus(env.ctx, interrupted.ID, model.RunInterrupted, nil)
	require.NoError(t, err)
	_, err = env.runs.SetRunStatus(env.ctx, completed.ID, model.RunCompleted, nil)
	require.NoError(t, err)

	got := resumable(t, env, ResumableFilter{LogTypes: []string{"trial"}})
	assert.Len(t, got, 2)
	assert.Contains(t, got, running.ID)
	assert.Contains(t, got, interrupted.ID)
	assert.Equal(t, ResumePoint{}, got[running.ID])

	got = resumable(t, env, ResumableFilter{ExperimentName: "e1", RunName: "b", LogTypes: []string{"trial"}})
	assert.Len(t, got, 1)
	assert.Contains(t, got, interrupted.ID)

	assert.Empty(t, resumable(t, env, ResumableFilter{ExperimentName: "other"}))
}

func TestGetResumableRuns_HighestNumberAcrossTypes(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t, "e1", "r1")
	require.NoError(t, env.logs.AppendLogs(env.ctx, run.ID, []LogInput{
		{Number: 1, Type: "start"},
		{Number: 2, Type: "trial"},
		{Number: 3, Type: "trial"},
		{Number: 4, Type: "block"},
		{Number: 5, Type: "trial"},
		{Number: 6, Type: "event"},
	}))

	got := resumable(t, env, ResumableFilter{LogTypes: []string{"block", "trial"}})
	require.NotNil(t, got[run.ID].LogType)
	assert.Equal(t, "trial", *got[run.ID].LogType)
	assert.Equal(t, 5, got[run.ID].LogNumber)

	got = resumable(t, env, ResumableFilter{LogTypes: []string{"block", "start"}})
	assert.Equal(t, "block", *got[run.ID].LogType)
	assert.Equal(t, 4, got[run.ID].LogNumber)

	got = resumable(t, env, ResumableFilter{LogTypes: []string{"missing"}})
	assert.Equal(t, ResumePoint{}, got[run.ID])

	got = resumable(t, env, ResumableFilter{})
	assert.Equal(t, ResumePoint{}, got[run.ID])
}

func TestGetResumableRuns_StopsAtFirstMissingLog(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t, "e1", "r1")
	require.NoError(t, env.logs.AppendLogs(env.ctx, run.ID, []LogInput{
		{Number: 1, Type: "trial"},
		{Number: 2, Type: "trial"},
		{Number: 5, Type: "trial"},
	}))

	got := resumable(t, env, ResumableFilter{LogTypes: []string{"trial"}})
	assert.Equal(t, 2, got[run.ID].LogNumber)

	require.NoError(t, env.logs.AppendLogs(env.ctx, run.ID, []LogInput{
		{Number: 3, Type: "event"},
		{Number: 4, Type: "event"},
	}))
	got = resumable(t, env, ResumableFilter{LogTypes: []string{"trial"}})
	assert.Equal(t, 5, got[run.ID].LogNumber)
}

func TestResume_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t, "e1", "r1")
	env.appendRange(t, run.ID, "trial", 1, 6)
	_, err := env.runs.SetRunStatus(env.ctx, run.ID, model.RunInterrupted, nil)
	require.NoError(t, err)

	filter := ResumableFilter{RunName: "r1", LogTypes: []string{"trial"}}
	assert.Equal(t, 6, resumable(t, env, filter)[run.ID].LogNumber)

	_, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunRunning, intPtr(4))
	require.NoError(t, err)
	assert.Equal(t, 4, resumable(t, env, filter)[run.ID].LogNumber)

	// 客户端在写入任何日志前再次崩溃并恢复
	_, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunRunning, intPtr(4))
	require.NoError(t, err)
	assert.Equal(t, 4, resumable(t, env, filter)[run.ID].LogNumber)

	seqs := env.sequences(t, run.ID)
	require.Len(t, seqs, 3)
	assert.Equal(t, 5, seqs[2].Start)
	assert.Equal(t, []int{1, 2, 3, 4}, env.visibleNumbers(t, run.ID))
}
