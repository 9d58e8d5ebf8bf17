package service

import (
	"sync"
	"testing"

	"runlog/internal/apperr"
	"runlog/internal/config"
	"runlog/internal/model"
	"runlog/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRun_StartsFirstSequence(t *testing.T) {
	env := newTestEnv(t)

	run := env.createRun(t, "e1", "r1")

	assert.Equal(t, model.RunRunning, run.Status)
	assert.Equal(t, "e1", run.ExperimentName)
	require.NotNil(t, run.Name)
	assert.Equal(t, "r1", *run.Name)

	seqs := env.sequences(t, run.ID)
	require.Len(t, seqs, 1)
	assert.Equal(t, 1, seqs[0].Number)
	assert.Equal(t, 1, seqs[0].Start)
}

func TestCreateRun_IdleHasNoSequenceUntilStarted(t *testing.T) {
	env := newTestEnv(t)

	run, err := env.runs.CreateRun(env.ctx, CreateRunRequest{ExperimentName: "e1", RunStatus: model.RunIdle})
	require.NoError(t, err)
	assert.Nil(t, run.Name)
	assert.Empty(t, env.sequences(t, run.ID))

	err = env.logs.AppendLogs(env.ctx, run.ID, []LogInput{{Number: 1, Type: "A"}})
	assert.Equal(t, apperr.RunNotRunning, apperr.CodeOf(err))

	run, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, run.Status)
	seqs := env.sequences(t, run.ID)
	require.Len(t, seqs, 1)
	assert.Equal(t, 1, seqs[0].Start)
}

func TestCreateRun_RejectsBadStatus(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.runs.CreateRun(env.ctx, CreateRunRequest{ExperimentName: "e1", RunStatus: model.RunCompleted})
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))
}

func TestCreateRun_NameUniqueAmongActiveRuns(t *testing.T) {
	env := newTestEnv(t)
	first := env.createRun(t, "e1", "r1")

	_, err := env.runs.CreateRun(env.ctx, CreateRunRequest{ExperimentName: "e1", RunName: strPtr("r1")})
	assert.Equal(t, apperr.RunExists, apperr.CodeOf(err))

	// 其它实验下同名不冲突
	env.createRun(t, "e2", "r1")

	_, err = env.runs.SetRunStatus(env.ctx, first.ID, model.RunCanceled, nil)
	require.NoError(t, err)

	second := env.createRun(t, "e1", "r1")
	assert.NotEqual(t, first.ID, second.ID)

	got, err := env.runs.GetRun(env.ctx, "e1", "r1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestCreateRun_ConcurrentSameName(t *testing.T) {
	env := newTestEnv(t)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.runs.CreateRun(env.ctx, CreateRunRequest{ExperimentName: "fresh", RunName: strPtr("r1")})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.Equal(t, apperr.RunExists, apperr.CodeOf(err))
	}
	assert.Equal(t, 1, created)

	var experiments int64
	require.NoError(t, env.db.Model(&model.Experiment{}).Where("name = ?", "fresh").Count(&experiments).Error)
	assert.EqualValues(t, 1, experiments)
}

func TestCreateRun_AutoCreateConcurrentExperiment(t *testing.T) {
	env := newTestEnv(t)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.runs.CreateRun(env.ctx, CreateRunRequest{ExperimentName: "shared"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	runs, err := env.runs.ListRuns(env.ctx, RunFilter{ExperimentName: "shared"})
	require.NoError(t, err)
	assert.Len(t, runs, n)
}

func TestCreateRun_ExperimentPolicy(t *testing.T) {
	gdb := testutil.NewDB(t)
	svc := NewServiceContext(&config.Config{}, gdb)
	ctx := newTestEnv(t).ctx

	_, err := svc.RunStore.CreateRun(ctx, CreateRunRequest{ExperimentName: "missing"})
	assert.Equal(t, apperr.ExperimentNotFound, apperr.CodeOf(err))

	exp, err := svc.RunStore.CreateExperiment(ctx, "present")
	require.NoError(t, err)
	assert.Equal(t, "present", exp.Name)

	_, err = svc.RunStore.CreateExperiment(ctx, "present")
	assert.Equal(t, apperr.ExperimentExists, apperr.CodeOf(err))

	run, err := svc.RunStore.CreateRun(ctx, CreateRunRequest{ExperimentName: "present"})
	require.NoError(t, err)
	assert.Equal(t, exp.ID, run.ExperimentID)

	_, err = svc.RunStore.GetExperiment(ctx, "nope")
	assert.Equal(t, apperr.ExperimentNotFound, apperr.CodeOf(err))
}

func TestGetRun_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.runs.GetRun(env.ctx, "e1", "nope")
	assert.Equal(t, apperr.RunNotFound, apperr.CodeOf(err))

	_, err = env.runs.GetRunByID(env.ctx, 42)
	assert.Equal(t, apperr.RunNotFound, apperr.CodeOf(err))

	_, err = env.runs.SetRunStatus(env.ctx, 42, model.RunCompleted, nil)
	assert.Equal(t, apperr.RunNotFound, apperr.CodeOf(err))
}

func TestSetRunStatus_EndedRunsAreFinal(t *testing.T) {
	for _, ended := range []model.RunStatus{model.RunCompleted, model.RunCanceled} {
		t.Run(string(ended), func(t *testing.T) {
			env := newTestEnv(t)
			run := env.createRun(t, "e1", "r1")
			_, err := env.runs.SetRunStatus(env.ctx, run.ID, ended, nil)
			require.NoError(t, err)

			for _, next := range model.AllRunStatuses {
				_, err := env.runs.SetRunStatus(env.ctx, run.ID, next, nil)
				assert.Equal(t, apperr.RunHasEnded, apperr.CodeOf(err), "%s -> %s", ended, next)
			}
			_, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunRunning, intPtr(0))
			assert.Equal(t, apperr.RunHasEnded, apperr.CodeOf(err))

			got, err := env.runs.GetRunByID(env.ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, ended, got.Status)
		})
	}
}

func TestSetRunStatus_Transitions(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t, "e1", "r1")

	// 不在允许列表里的迁移一律 RUN_HAS_ENDED
	_, err := env.runs.SetRunStatus(env.ctx, run.ID, model.RunIdle, nil)
	assert.Equal(t, apperr.RunHasEnded, apperr.CodeOf(err))

	idle, err := env.runs.CreateRun(env.ctx, CreateRunRequest{ExperimentName: "e1", RunStatus: model.RunIdle})
	require.NoError(t, err)
	for _, to := range []model.RunStatus{model.RunCompleted, model.RunInterrupted, model.RunIdle} {
		_, err = env.runs.SetRunStatus(env.ctx, idle.ID, to, nil)
		assert.Equal(t, apperr.RunHasEnded, apperr.CodeOf(err), "idle -> %s", to)
	}

	_, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunStatus("paused"), nil)
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))

	_, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunInterrupted, intPtr(0))
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))

	updated, err := env.runs.SetRunStatus(env.ctx, run.ID, model.RunInterrupted, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunInterrupted, updated.Status)

	_, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunInterrupted, nil)
	assert.Equal(t, apperr.RunHasEnded, apperr.CodeOf(err))

	_, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunRunning, nil)
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err), "resume needs resumeFrom")

	updated, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunRunning, intPtr(0))
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, updated.Status)
	assert.Len(t, env.sequences(t, run.ID), 2)

	updated, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, updated.Status)
}

func TestSetRunStatus_ResumeFromValidation(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t, "e1", "r1")
	env.appendRange(t, run.ID, "A", 1, 3)

	_, err := env.runs.SetRunStatus(env.ctx, run.ID, model.RunRunning, intPtr(-1))
	assert.Equal(t, apperr.InvalidLogNumber, apperr.CodeOf(err))

	_, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunRunning, intPtr(4))
	assert.Equal(t, apperr.InvalidLogNumber, apperr.CodeOf(err))

	// 4、5 缺失，6 已写入：不能越过缺失的日志恢复
	require.NoError(t, env.logs.AppendLogs(env.ctx, run.ID, []LogInput{{Number: 6, Type: "A"}}))
	_, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunRunning, intPtr(5))
	assert.Equal(t, apperr.InvalidLogNumber, apperr.CodeOf(err))

	_, err = env.runs.SetRunStatus(env.ctx, run.ID, model.RunRunning, intPtr(3))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, env.visibleNumbers(t, run.ID))
}

func TestListRuns_Filters(t *testing.T) {
	env := newTestEnv(t)
	r1 := env.createRun(t, "e1", "r1")
	r2 := env.createRun(t, "e1", "r2")
	r3 := env.createRun(t, "e2", "r1")
	_, err := env.runs.SetRunStatus(env.ctx, r2.ID, model.RunCanceled, nil)
	require.NoError(t, err)
	_, err = env.runs.SetRunStatus(env.ctx, r3.ID, model.RunInterrupted, nil)
	require.NoError(t, err)

	ids := func(runs []model.Run) []uint {
		out := []uint{}
		for _, r := range runs {
			out = append(out, r.ID)
		}
		return out
	}

	all, err := env.runs.ListRuns(env.ctx, RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, []uint{r1.ID, r2.ID, r3.ID}, ids(all))
	assert.Equal(t, "e2", all[2].ExperimentName)

	notCanceled, err := env.runs.ListRuns(env.ctx, RunFilter{Status: []string{"-canceled"}})
	require.NoError(t, err)
	assert.Equal(t, []uint{r1.ID, r3.ID}, ids(notCanceled))

	active, err := env.runs.ListRuns(env.ctx, RunFilter{Status: []string{"running,interrupted"}})
	require.NoError(t, err)
	assert.Equal(t, []uint{r1.ID, r3.ID}, ids(active))

	byExp, err := env.runs.ListRuns(env.ctx, RunFilter{ExperimentName: "e1", Status: []string{"running"}})
	require.NoError(t, err)
	assert.Equal(t, []uint{r1.ID}, ids(byExp))

	byName, err := env.runs.ListRuns(env.ctx, RunFilter{RunName: "r1"})
	require.NoError(t, err)
	assert.Equal(t, []uint{r1.ID, r3.ID}, ids(byName))

	_, err = env.runs.ListRuns(env.ctx, RunFilter{Status: []string{"bogus"}})
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))
}
