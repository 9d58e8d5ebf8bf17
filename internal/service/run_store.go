package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"runlog/internal/apperr"
	"runlog/internal/ctxlog"
	"runlog/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CreateRunRequest struct {
	ExperimentName string          `json:"experimentName" binding:"required"`
	RunName        *string         `json:"runName"`
	RunStatus      model.RunStatus `json:"runStatus"`
}

type RunFilter struct {
	// 包含的状态；以 "-" 开头表示排除
	Status         []string
	ExperimentName string
	RunName        string
}

// RunStore 管理实验和 run 的身份与生命周期
type RunStore struct {
	db         *gorm.DB
	autoCreate bool
}

func NewRunStore(db *gorm.DB, autoCreateExperiments bool) *RunStore {
	return &RunStore{db: db, autoCreate: autoCreateExperiments}
}

// CreateExperiment 显式创建实验
func (s *RunStore) CreateExperiment(ctx context.Context, name string) (*model.Experiment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.InvalidRequest, "实验名不能为空")
	}
	exp := &model.Experiment{Name: name}
	if err := s.db.WithContext(ctx).Create(exp).Error; err != nil {
		err = apperr.FromDB(err, apperr.ExperimentExists)
		if apperr.HasCode(err, apperr.ExperimentExists) {
			return nil, apperr.New(apperr.ExperimentExists, "实验 %q 已存在", name)
		}
		return nil, fmt.Errorf("创建实验失败: %w", err)
	}
	return exp, nil
}

func (s *RunStore) GetExperiment(ctx context.Context, name string) (*model.Experiment, error) {
	return findExperiment(s.db.WithContext(ctx), name)
}

func lockExperiment(tx *gorm.DB, name string) (*model.Experiment, error) {
	return findExperiment(tx.Clauses(clause.Locking{Strength: "UPDATE"}), name)
}

func findExperiment(tx *gorm.DB, name string) (*model.Experiment, error) {
	var exp model.Experiment
	err := tx.Where("name = ?", name).Take(&exp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.ExperimentNotFound, "实验 %q 不存在", name)
	}
	if err != nil {
		return nil, fmt.Errorf("查询实验失败: %w", err)
	}
	return &exp, nil
}

// CreateRun 创建 run。状态默认为 running，此时同一事务内创建 start=1 的第一个 sequence；
// idle 的 run 在第一次进入 running 时创建。
func (s *RunStore) CreateRun(ctx context.Context, req CreateRunRequest) (*model.Run, error) {
	if req.RunStatus == "" {
		req.RunStatus = model.RunRunning
	}
	if req.RunStatus != model.RunRunning && req.RunStatus != model.RunIdle {
		return nil, apperr.New(apperr.InvalidRequest, "新 run 的状态只能是 running 或 idle，实际为 %q", req.RunStatus)
	}
	if req.RunName != nil && strings.TrimSpace(*req.RunName) == "" {
		req.RunName = nil
	}

	var created *model.Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 锁住实验行，同名 run 的检查和插入在同一实验下串行
		exp, err := lockExperiment(tx, req.ExperimentName)
		if apperr.HasCode(err, apperr.ExperimentNotFound) && s.autoCreate {
			exp = &model.Experiment{Name: req.ExperimentName}
			err = apperr.FromDB(tx.Create(exp).Error, apperr.ExperimentExists)
			if apperr.HasCode(err, apperr.ExperimentExists) {
				// 并发请求先建好了实验
				exp, err = lockExperiment(tx, req.ExperimentName)
			}
		}
		if err != nil {
			return err
		}

		if req.RunName != nil {
			var active int64
			err := tx.Model(&model.Run{}).
				Where("experiment_id = ? AND name = ? AND status <> ?", exp.ID, *req.RunName, model.RunCanceled).
				Count(&active).Error
			if err != nil {
				return fmt.Errorf("查询同名run失败: %w", err)
			}
			if active > 0 {
				return apperr.New(apperr.RunExists, "实验 %q 已存在未取消的 run %q", exp.Name, *req.RunName)
			}
		}

		run := &model.Run{ExperimentID: exp.ID, Name: req.RunName, Status: req.RunStatus}
		if err := tx.Create(run).Error; err != nil {
			err = apperr.FromDB(err, apperr.RunExists)
			if apperr.HasCode(err, apperr.RunExists) {
				return apperr.New(apperr.RunExists, "实验 %q 已存在同名的未取消 run", exp.Name)
			}
			return fmt.Errorf("创建run失败: %w", err)
		}
		if run.Status == model.RunRunning {
			if _, err := startSequence(tx, run.ID, 1); err != nil {
				return err
			}
		}
		run.ExperimentName = exp.Name
		created = run
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("run created",
		"run_id", created.ID,
		"experiment", created.ExperimentName,
		"status", created.Status,
	)
	return created, nil
}

// GetRun 按实验名和 run 名查询，同名时优先返回未取消的最新 run
func (s *RunStore) GetRun(ctx context.Context, experimentName, runName string) (*model.Run, error) {
	var run model.Run
	err := runsWithExperiment(s.db.WithContext(ctx)).
		Where("experiments.name = ? AND runs.name = ?", experimentName, runName).
		Order(fmt.Sprintf("CASE WHEN runs.status = '%s' THEN 1 ELSE 0 END, runs.id DESC", model.RunCanceled)).
		Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.RunNotFound, "实验 %q 中不存在 run %q", experimentName, runName)
	}
	if err != nil {
		return nil, fmt.Errorf("查询run失败: %w", err)
	}
	return &run, nil
}

func (s *RunStore) GetRunByID(ctx context.Context, runID uint) (*model.Run, error) {
	return loadRun(s.db.WithContext(ctx), runID)
}

// SetRunStatus 修改 run 状态。进入 running（首次启动或恢复）时同一事务内创建新 sequence：
// 恢复必须给出 resumeFrom，新 sequence 从 resumeFrom+1 开始。
func (s *RunStore) SetRunStatus(ctx context.Context, runID uint, status model.RunStatus, resumeFrom *int) (*model.Run, error) {
	if !status.Valid() {
		return nil, apperr.New(apperr.InvalidRequest, "未知的 run 状态 %q", status)
	}

	var updated *model.Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := lockRun(tx, runID)
		if err != nil {
			return err
		}
		start, err := checkTransition(tx, run, status, resumeFrom)
		if err != nil {
			return err
		}
		if run.Status != status {
			if err := tx.Model(run).Update("status", status).Error; err != nil {
				return apperr.FromDB(err, apperr.Internal)
			}
		}
		if start > 0 {
			if _, err := startSequence(tx, run.ID, start); err != nil {
				return err
			}
		}
		updated, err = loadRun(tx, run.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := ctxlog.FromContext(ctx)
	if resumeFrom != nil && status == model.RunRunning {
		logger.Info("run resumed", "run_id", runID, "resume_from", *resumeFrom)
	} else {
		logger.Info("run status changed", "run_id", runID, "status", status)
	}
	return updated, nil
}

var allowedTransitions = map[model.RunStatus][]model.RunStatus{
	model.RunIdle:        {model.RunRunning, model.RunCanceled},
	model.RunRunning:     {model.RunCompleted, model.RunCanceled, model.RunInterrupted, model.RunRunning},
	model.RunInterrupted: {model.RunRunning, model.RunCanceled, model.RunCompleted},
}

// checkTransition 校验状态迁移，返回需要新建的 sequence 起始编号（0 表示不需要）
func checkTransition(tx *gorm.DB, run *model.Run, to model.RunStatus, resumeFrom *int) (int, error) {
	if run.Status.Ended() {
		return 0, apperr.New(apperr.RunHasEnded, "run %d 已经是 %s", run.ID, run.Status)
	}
	allowed := false
	for _, s := range allowedTransitions[run.Status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return 0, apperr.New(apperr.RunHasEnded, "run %d 不能从 %s 变为 %s", run.ID, run.Status, to)
	}
	if to != model.RunRunning {
		if resumeFrom != nil {
			return 0, apperr.New(apperr.InvalidRequest, "只有恢复为 running 时可以指定 resumeFrom")
		}
		return 0, nil
	}

	if run.Status == model.RunIdle {
		if resumeFrom != nil && *resumeFrom != 0 {
			return 0, apperr.New(apperr.InvalidLogNumber, "idle 的 run 只能从 0 开始")
		}
		return 1, nil
	}
	if resumeFrom == nil {
		return 0, apperr.New(apperr.InvalidRequest, "恢复 run 需要 resumeFrom")
	}
	if *resumeFrom < 0 {
		return 0, apperr.New(apperr.InvalidLogNumber, "resumeFrom 不能为负数: %d", *resumeFrom)
	}
	last, err := lastVisibleNumber(tx, run.ID)
	if err != nil {
		return 0, err
	}
	if *resumeFrom > last {
		return 0, apperr.New(apperr.InvalidLogNumber, "resumeFrom %d 超过最后一条日志 %d", *resumeFrom, last)
	}
	gap, ok, err := firstPlaceholder(tx, run.ID)
	if err != nil {
		return 0, err
	}
	if ok && *resumeFrom >= gap {
		return 0, apperr.New(apperr.InvalidLogNumber, "日志 %d 缺失，不能从 %d 之后恢复", gap, *resumeFrom)
	}
	return *resumeFrom + 1, nil
}

// ListRuns 按状态、实验名、run 名筛选
func (s *RunStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	include, exclude, err := parseStatusFilter(filter.Status)
	if err != nil {
		return nil, err
	}

	q := runsWithExperiment(s.db.WithContext(ctx))
	if len(include) > 0 {
		q = q.Where("runs.status IN ?", include)
	}
	if len(exclude) > 0 {
		q = q.Where("runs.status NOT IN ?", exclude)
	}
	if filter.ExperimentName != "" {
		q = q.Where("experiments.name = ?", filter.ExperimentName)
	}
	if filter.RunName != "" {
		q = q.Where("runs.name = ?", filter.RunName)
	}

	runs := []model.Run{}
	if err := q.Order("runs.id").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("查询run列表失败: %w", err)
	}
	return runs, nil
}

func parseStatusFilter(values []string) (include, exclude []model.RunStatus, err error) {
	for _, v := range values {
		// 支持 status=running,interrupted 形式
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			negate := strings.HasPrefix(part, "-")
			status := model.RunStatus(strings.TrimPrefix(part, "-"))
			if !status.Valid() {
				return nil, nil, apperr.New(apperr.InvalidRequest, "未知的 run 状态 %q", part)
			}
			if negate {
				exclude = append(exclude, status)
			} else {
				include = append(include, status)
			}
		}
	}
	return include, exclude, nil
}
