// Package runlogger 是客户端日志记录器：分配单调递增的日志编号，按节流窗口批量发送，
// 并驱动 run 的结束与恢复。
package runlogger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultThrottle = 500 * time.Millisecond
	DefaultDateKey  = "date"
)

type Options struct {
	ExperimentName string
	RunName        *string
	// 尾沿节流窗口：队列中第一条日志到达后等待 Throttle 再发送
	Throttle time.Duration
	// 日志缺少该字段时填入当前时间
	DateKey string
	Now     func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Throttle <= 0 {
		o.Throttle = DefaultThrottle
	}
	if o.DateKey == "" {
		o.DateKey = DefaultDateKey
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Ack 同一批次的所有日志共享一个 Ack，批次被服务端确认或拒绝后完成
type Ack struct {
	done chan struct{}
	err  error
}

func newAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

func (a *Ack) resolve(err error) {
	a.err = err
	close(a.done)
}

func (a *Ack) Done() <-chan struct{} {
	return a.done
}

// Err 批次的结果，Done 之前返回 nil
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait 等待批次完成
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Logger struct {
	transport Transport
	opts      Options
	runID     uint

	mu       sync.Mutex
	status   Status
	ending   bool
	logCount int
	queue    []Log
	ack      *Ack
	timer    *time.Timer
	timerGen uint64

	// 串行化发送：同一时刻最多一个请求在途，队列只在没有在途请求时交换
	sendMu sync.Mutex
}

// Start 在服务端创建新 run 并返回从编号 1 开始记录的 Logger
func Start(ctx context.Context, t Transport, opts Options) (*Logger, error) {
	run, err := t.CreateRun(ctx, opts.ExperimentName, opts.RunName)
	if err != nil {
		return nil, fmt.Errorf("runlogger: create run: %w", err)
	}
	return newLogger(t, opts, run, 0), nil
}

// Resume 请求服务端从 resumeFrom 之后恢复 run。第一条新日志的编号是 resumeFrom+1，
// 服务端会取消此前写入的编号 >= resumeFrom+1 的日志。
func Resume(ctx context.Context, t Transport, runID uint, resumeFrom int, opts Options) (*Logger, error) {
	run, err := t.SetRunStatus(ctx, runID, StatusRunning, &resumeFrom)
	if err != nil {
		return nil, fmt.Errorf("runlogger: resume run %d: %w", runID, err)
	}
	return newLogger(t, opts, run, resumeFrom), nil
}

func newLogger(t Transport, opts Options, run *Run, logCount int) *Logger {
	opts.applyDefaults()
	if opts.ExperimentName == "" {
		opts.ExperimentName = run.ExperimentName
	}
	if opts.RunName == nil {
		opts.RunName = run.Name
	}
	return &Logger{
		transport: t,
		opts:      opts,
		runID:     run.ID,
		status:    StatusRunning,
		logCount:  logCount,
	}
}

func (l *Logger) RunID() uint { return l.runID }

func (l *Logger) ExperimentName() string { return l.opts.ExperimentName }

func (l *Logger) RunName() *string { return l.opts.RunName }

func (l *Logger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// LogCount 最后分配的日志编号
func (l *Logger) LogCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logCount
}

// AddLog 为日志分配下一个编号并放入待发送队列。返回的 Ack 在包含该日志的批次
// 被服务端确认后完成。
func (l *Logger) AddLog(e Entry) (*Ack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != StatusRunning || l.ending {
		return nil, fmt.Errorf("%w (status %s)", ErrNotRunning, l.status)
	}

	values := make(map[string]any, len(e.Values)+1)
	for k, v := range e.Values {
		values[k] = v
	}
	if _, ok := values[l.opts.DateKey]; !ok {
		values[l.opts.DateKey] = l.opts.Now().UTC().Format(time.RFC3339Nano)
	}

	l.logCount++
	l.queue = append(l.queue, Log{Type: e.Type, Number: l.logCount, Values: values})
	if l.ack == nil {
		l.ack = newAck()
	}
	if l.timer == nil {
		l.timerGen++
		gen := l.timerGen
		l.timer = time.AfterFunc(l.opts.Throttle, func() {
			_ = l.send(context.Background(), gen)
		})
	}
	return l.ack, nil
}

// Flush 取消节流定时器，立即发送队列中的日志，并等待在途请求完成
func (l *Logger) Flush(ctx context.Context) error {
	return l.send(ctx, 0)
}

// send 交换队列并发送。gen 非 0 表示由节流定时器触发，定时器已被 Flush 取代时忽略。
func (l *Logger) send(ctx context.Context, gen uint64) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.mu.Lock()
	if gen != 0 && gen != l.timerGen {
		l.mu.Unlock()
		return nil
	}
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	// 让已触发但还在等待 sendMu 的定时器失效
	l.timerGen++
	batch, ack := l.queue, l.ack
	l.queue, l.ack = nil, nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	err := l.transport.PostLogs(ctx, l.runID, batch)
	ack.resolve(err)
	if err != nil {
		return fmt.Errorf("runlogger: post %d logs: %w", len(batch), err)
	}
	return nil
}

func (l *Logger) CompleteRun(ctx context.Context) error {
	return l.endRun(ctx, StatusCompleted)
}

func (l *Logger) CancelRun(ctx context.Context) error {
	return l.endRun(ctx, StatusCanceled)
}

func (l *Logger) InterruptRun(ctx context.Context) error {
	return l.endRun(ctx, StatusInterrupted)
}

// endRun 先 flush，flush 成功后才请求状态变更，保证状态变更之后不会再有日志被接受。
// 任一步失败时本地状态保持 running。
func (l *Logger) endRun(ctx context.Context, status Status) error {
	l.mu.Lock()
	if l.status != StatusRunning || l.ending {
		s := l.status
		l.mu.Unlock()
		return fmt.Errorf("%w (status %s)", ErrNotRunning, s)
	}
	l.ending = true
	l.mu.Unlock()

	err := l.Flush(ctx)
	if err == nil {
		_, err = l.transport.SetRunStatus(ctx, l.runID, status, nil)
		if err != nil {
			err = fmt.Errorf("runlogger: set run %d %s: %w", l.runID, status, err)
		}
	}

	l.mu.Lock()
	l.ending = false
	if err == nil {
		l.status = status
	}
	l.mu.Unlock()
	return err
}
