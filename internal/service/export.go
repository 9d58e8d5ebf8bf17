package service

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// Exporter 把 run 可见日志序列化为 CSV 或 JSON
type Exporter struct {
	logs *LogStore
}

func NewExporter(logs *LogStore) *Exporter {
	return &Exporter{logs: logs}
}

func (e *Exporter) Export(ctx context.Context, w io.Writer, format ExportFormat, filter LogFilter) error {
	switch format {
	case FormatCSV:
		return e.exportCSV(ctx, w, filter)
	case FormatJSON, "":
		return e.exportJSON(ctx, w, filter)
	default:
		return fmt.Errorf("不支持的导出格式: %s", format)
	}
}

var csvFixedColumns = []string{"experiment", "run", "run_status", "log_number", "log_type"}

func (e *Exporter) exportCSV(ctx context.Context, w io.Writer, filter LogFilter) error {
	names, err := e.logs.GetLogValueNames(ctx, filter)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := append(append([]string{}, csvFixedColumns...), names...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("写入CSV失败: %w", err)
	}

	err = e.logs.GetLogs(ctx, filter, func(rec LogRecord) error {
		row := make([]string, 0, len(header))
		runName := ""
		if rec.RunName != nil {
			runName = *rec.RunName
		}
		row = append(row, rec.ExperimentName, runName, string(rec.RunStatus), strconv.Itoa(rec.Number), rec.Type)
		for _, name := range names {
			row = append(row, csvCell(rec.Values[name]))
		}
		return cw.Write(row)
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// csvCell 字符串值去掉 JSON 引号，其余值原样输出 JSON 文本
func csvCell(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (e *Exporter) exportJSON(ctx context.Context, w io.Writer, filter LogFilter) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("["); err != nil {
		return err
	}
	first := true
	err := e.logs.GetLogs(ctx, filter, func(rec LogRecord) error {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("序列化日志失败: %w", err)
		}
		if !first {
			if _, err := bw.WriteString(","); err != nil {
				return err
			}
		}
		first = false
		_, err = bw.Write(b)
		return err
	})
	if err != nil {
		return err
	}
	if _, err := bw.WriteString("]\n"); err != nil {
		return err
	}
	return bw.Flush()
}
