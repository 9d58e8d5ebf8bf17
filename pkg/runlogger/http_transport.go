package runlogger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPTransport 调用 runlog 服务的 /api 接口
type HTTPTransport struct {
	baseURL string
	http    *http.Client
}

// NewHTTPTransport baseURL 形如 http://localhost:8080，client 为 nil 时使用 10s 超时的默认 client
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    client,
	}
}

type runResp struct {
	Run Run `json:"run"`
}

func (t *HTTPTransport) CreateRun(ctx context.Context, experimentName string, runName *string) (*Run, error) {
	body := map[string]any{
		"experimentName": experimentName,
		"runName":        runName,
		"runStatus":      StatusRunning,
	}
	var out runResp
	if err := t.do(ctx, http.MethodPost, "/api/runs", nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Run, nil
}

func (t *HTTPTransport) PostLogs(ctx context.Context, runID uint, logs []Log) error {
	path := "/api/runs/" + strconv.FormatUint(uint64(runID), 10) + "/logs"
	return t.do(ctx, http.MethodPost, path, nil, map[string]any{"logs": logs}, nil)
}

func (t *HTTPTransport) SetRunStatus(ctx context.Context, runID uint, status Status, resumeFrom *int) (*Run, error) {
	body := map[string]any{"runStatus": status}
	if resumeFrom != nil {
		body["resumeFrom"] = *resumeFrom
	}
	var out runResp
	path := "/api/runs/" + strconv.FormatUint(uint64(runID), 10)
	if err := t.do(ctx, http.MethodPatch, path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Run, nil
}

func (t *HTTPTransport) GetResumableRuns(ctx context.Context, experimentName, runName string, logTypes []string) ([]ResumableRun, error) {
	q := url.Values{}
	if experimentName != "" {
		q.Set("experimentName", experimentName)
	}
	if runName != "" {
		q.Set("runName", runName)
	}
	for _, lt := range logTypes {
		q.Add("resumableLogTypes", lt)
	}
	var out struct {
		Runs []ResumableRun `json:"runs"`
	}
	if err := t.do(ctx, http.MethodGet, "/api/runs/resumable", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("runlogger: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("runlogger: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &ServerError{StatusCode: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &e) == nil {
			se.Code, se.Message = e.Code, e.Error
		}
		if se.Message == "" {
			se.Message = truncate(string(raw), 300)
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("runlogger: decode %s %s: %w", method, path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
