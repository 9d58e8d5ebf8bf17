package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"runlog/internal/apperr"
	"runlog/internal/ctxlog"
	"runlog/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LogInput 客户端提交的一条日志
type LogInput struct {
	Number int            `json:"number"`
	Type   string         `json:"type"`
	Values map[string]any `json:"values"`
}

type LogFilter struct {
	ExperimentName string
	RunName        string
	Type           string
}

// LogRecord 导出用的日志，来自 run_logs 视图（不含已取消日志和占位日志）
type LogRecord struct {
	ExperimentName string                     `json:"experimentName"`
	RunID          uint                       `json:"runId"`
	RunName        *string                    `json:"runName"`
	RunStatus      model.RunStatus            `json:"runStatus"`
	SequenceNumber int                        `json:"-"`
	Number         int                        `json:"number"`
	Type           string                     `json:"type"`
	Values         map[string]json.RawMessage `json:"values"`
}

// LogSummary 每种日志类型的统计。Pending 是排在第一个缺失编号之后的日志数
type LogSummary struct {
	Type       string `gorm:"column:log_type" json:"type"`
	Count      int    `gorm:"column:count" json:"count"`
	LastNumber int    `gorm:"column:last_number" json:"lastNumber"`
	Pending    int    `gorm:"column:pending" json:"pending"`
}

const (
	// maxPlaceholders 一个批次最多自动补齐的缺失编号数
	maxPlaceholders = 100000
	insertBatchSize = 100
)

// LogStore 只追加的日志存储，按 sequence 组织以支持带取消的恢复
type LogStore struct {
	db *gorm.DB
}

func NewLogStore(db *gorm.DB) *LogStore {
	return &LogStore{db: db}
}

// AppendLogs 把一批日志写入 run 当前的 sequence，整批成功或整批失败。
// 客户端跳过的编号写成占位日志，之后同一 sequence 内补写时填充占位。
func (s *LogStore) AppendLogs(ctx context.Context, runID uint, logs []LogInput) error {
	if len(logs) == 0 {
		return nil
	}
	batch := make([]LogInput, len(logs))
	copy(batch, logs)
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Number < batch[j].Number })

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := lockRun(tx, runID)
		if err != nil {
			return err
		}
		if run.Status.Ended() {
			return apperr.New(apperr.RunHasEnded, "run %d 已经是 %s", run.ID, run.Status)
		}
		if run.Status != model.RunRunning {
			return apperr.New(apperr.RunNotRunning, "run %d 当前状态为 %s", run.ID, run.Status)
		}
		seq, err := currentSequence(tx, runID)
		if err != nil {
			return err
		}
		if seq == nil {
			return fmt.Errorf("run %d 处于 running 但没有 sequence", runID)
		}

		numbers := make([]int, 0, len(batch))
		for i, l := range batch {
			if l.Type == "" {
				return apperr.New(apperr.InvalidRequest, "日志 %d 缺少 type", l.Number)
			}
			if l.Number < seq.Start {
				return apperr.New(apperr.InvalidLogNumber, "日志编号 %d 小于 sequence 起始编号 %d", l.Number, seq.Start)
			}
			if i > 0 && batch[i-1].Number == l.Number {
				return apperr.New(apperr.LogNumberExistsInSequence, "同一批次中日志编号 %d 重复", l.Number)
			}
			numbers = append(numbers, l.Number)
		}

		placeholders := make(map[int]uint, len(batch))
		for _, part := range chunk(numbers, insertBatchSize) {
			var existing []model.Log
			if err := tx.Where("sequence_id = ? AND number IN ?", seq.ID, part).Find(&existing).Error; err != nil {
				return fmt.Errorf("查询已有日志失败: %w", err)
			}
			for _, l := range existing {
				if l.Type != nil {
					return apperr.New(apperr.LogNumberExistsInSequence, "日志编号 %d 已存在于 sequence %d", l.Number, seq.Number)
				}
				placeholders[l.Number] = l.ID
			}
		}

		var maxNumber sql.NullInt64
		if err := tx.Model(&model.Log{}).Select("MAX(number)").Where("sequence_id = ?", seq.ID).Row().Scan(&maxNumber); err != nil {
			return fmt.Errorf("查询sequence最大编号失败: %w", err)
		}
		next := seq.Start
		if maxNumber.Valid {
			next = int(maxNumber.Int64) + 1
		}

		// 新行（占位和本批日志）先不带 type 写入：值写完后再设置 type
		var (
			rows     []model.Log
			rowIndex = make(map[int]int, len(batch))
			gapCount int
		)
		for _, l := range batch {
			if _, ok := placeholders[l.Number]; ok {
				continue
			}
			if gap := l.Number - next; gap > 0 {
				if gap > maxPlaceholders-gapCount {
					return apperr.New(apperr.InvalidLogNumber,
						"日志 %d 之前缺失的编号过多，一个批次最多补 %d 个占位", l.Number, maxPlaceholders)
				}
				for n := next; n < l.Number; n++ {
					rows = append(rows, model.Log{SequenceID: seq.ID, Number: n})
				}
				gapCount += gap
			}
			rowIndex[l.Number] = len(rows)
			rows = append(rows, model.Log{SequenceID: seq.ID, Number: l.Number})
			if l.Number >= next {
				next = l.Number + 1
			}
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(&rows, insertBatchSize).Error; err != nil {
				return apperr.FromDB(err, apperr.LogNumberExistsInSequence)
			}
		}

		var values []model.LogValue
		byType := map[string][]uint{}
		for _, l := range batch {
			id, ok := placeholders[l.Number]
			if !ok {
				id = rows[rowIndex[l.Number]].ID
			}
			vs, err := buildValues(id, l.Values)
			if err != nil {
				return err
			}
			values = append(values, vs...)
			byType[l.Type] = append(byType[l.Type], id)
		}
		if len(values) > 0 {
			if err := tx.CreateInBatches(&values, insertBatchSize).Error; err != nil {
				return apperr.FromDB(err, apperr.Internal)
			}
		}

		types := make([]string, 0, len(byType))
		for t := range byType {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			for _, ids := range chunk(byType[t], insertBatchSize) {
				if err := tx.Model(&model.Log{}).Where("id IN ?", ids).Update("log_type", t).Error; err != nil {
					return apperr.FromDB(err, apperr.LogNumberExistsInSequence)
				}
			}
		}
		return nil
	})
	if err != nil {
		ctxlog.FromContext(ctx).Warn("append logs rejected", "run_id", runID, "count", len(logs), "err", err)
		return err
	}
	ctxlog.FromContext(ctx).Debug("logs appended", "run_id", runID, "count", len(logs))
	return nil
}

// buildValues 按名称排序生成值行
func buildValues(logID uint, values map[string]any) ([]model.LogValue, error) {
	if len(values) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]model.LogValue, 0, len(values))
	for _, name := range names {
		b, err := json.Marshal(values[name])
		if err != nil {
			return nil, apperr.Wrap(err, apperr.InvalidRequest, "日志值 %q 无法序列化", name)
		}
		rows = append(rows, model.LogValue{LogID: logID, Name: name, Value: datatypes.JSON(b)})
	}
	return rows, nil
}

func chunk[T any](s []T, size int) [][]T {
	var out [][]T
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}

// StartNewSequence 为 running 的 run 开始新的 sequence，并取消编号 >= start 的已有日志
func (s *LogStore) StartNewSequence(ctx context.Context, runID uint, start int) (*model.LogSequence, error) {
	var seq *model.LogSequence
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := lockRun(tx, runID)
		if err != nil {
			return err
		}
		if run.Status.Ended() {
			return apperr.New(apperr.RunHasEnded, "run %d 已经是 %s", run.ID, run.Status)
		}
		if run.Status != model.RunRunning {
			return apperr.New(apperr.RunNotRunning, "run %d 当前状态为 %s", run.ID, run.Status)
		}
		seq, err = startSequence(tx, runID, start)
		return err
	})
	if err != nil {
		return nil, err
	}
	return seq, nil
}

// GetLogs 按过滤条件流式读取可见日志，逐条回调 fn。fn 内不要再访问数据库。
func (s *LogStore) GetLogs(ctx context.Context, filter LogFilter, fn func(LogRecord) error) error {
	q := s.db.WithContext(ctx).Table("run_logs").
		Select("experiments.name, runs.id, runs.name, runs.status, run_logs.log_id, run_logs.sequence_number, run_logs.number, run_logs.log_type, log_values.name, log_values.value").
		Joins("JOIN runs ON runs.id = run_logs.run_id").
		Joins("JOIN experiments ON experiments.id = runs.experiment_id").
		Joins("LEFT JOIN log_values ON log_values.log_id = run_logs.log_id").
		Where("run_logs.log_type IS NOT NULL")
	q = applyLogFilter(q, filter)

	rows, err := q.Order("experiments.name, runs.id, run_logs.sequence_number, run_logs.number, log_values.name").Rows()
	if err != nil {
		return fmt.Errorf("查询日志失败: %w", err)
	}
	defer rows.Close()

	var (
		cur    *LogRecord
		curID  uint
		hasCur bool
	)
	for rows.Next() {
		var (
			rec       LogRecord
			logID     uint
			runName   sql.NullString
			logType   string
			valueName sql.NullString
			value     []byte
		)
		if err := rows.Scan(&rec.ExperimentName, &rec.RunID, &runName, &rec.RunStatus, &logID,
			&rec.SequenceNumber, &rec.Number, &logType, &valueName, &value); err != nil {
			return fmt.Errorf("读取日志失败: %w", err)
		}
		if !hasCur || logID != curID {
			if hasCur {
				if err := fn(*cur); err != nil {
					return err
				}
			}
			rec.Type = logType
			if runName.Valid {
				name := runName.String
				rec.RunName = &name
			}
			rec.Values = map[string]json.RawMessage{}
			cur, curID, hasCur = &rec, logID, true
		}
		if valueName.Valid {
			cur.Values[valueName.String] = json.RawMessage(append([]byte(nil), value...))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("读取日志失败: %w", err)
	}
	if hasCur {
		return fn(*cur)
	}
	return nil
}

// GetLogValueNames 匹配日志中出现过的所有值名称，按字母序
func (s *LogStore) GetLogValueNames(ctx context.Context, filter LogFilter) ([]string, error) {
	q := s.db.WithContext(ctx).Table("log_values").
		Joins("JOIN run_logs ON run_logs.log_id = log_values.log_id").
		Joins("JOIN runs ON runs.id = run_logs.run_id").
		Joins("JOIN experiments ON experiments.id = runs.experiment_id").
		Where("run_logs.log_type IS NOT NULL")
	q = applyLogFilter(q, filter)

	names := []string{}
	if err := q.Distinct().Order("log_values.name").Pluck("log_values.name", &names).Error; err != nil {
		return nil, fmt.Errorf("查询日志值名称失败: %w", err)
	}
	return names, nil
}

// GetLogSummary run 每种日志类型的数量、最大编号和待补齐数
func (s *LogStore) GetLogSummary(ctx context.Context, runID uint) ([]LogSummary, error) {
	tx := s.db.WithContext(ctx)
	gap, hasGap, err := firstPlaceholder(tx, runID)
	if err != nil {
		return nil, err
	}
	pendingExpr := "0"
	args := []any{}
	if hasGap {
		pendingExpr = "CASE WHEN number > ? THEN 1 ELSE 0 END"
		args = append(args, gap)
	}

	summaries := []LogSummary{}
	err = tx.Model(&model.RunLog{}).
		Select("log_type, COUNT(*) AS count, MAX(number) AS last_number, SUM("+pendingExpr+") AS pending", args...).
		Where("run_id = ? AND log_type IS NOT NULL", runID).
		Group("log_type").
		Order("log_type").
		Scan(&summaries).Error
	if err != nil {
		return nil, fmt.Errorf("统计日志失败: %w", err)
	}
	return summaries, nil
}

func applyLogFilter(q *gorm.DB, filter LogFilter) *gorm.DB {
	if filter.ExperimentName != "" {
		q = q.Where("experiments.name = ?", filter.ExperimentName)
	}
	if filter.RunName != "" {
		q = q.Where("runs.name = ?", filter.RunName)
	}
	if filter.Type != "" {
		q = q.Where("run_logs.log_type = ?", filter.Type)
	}
	return q
}
