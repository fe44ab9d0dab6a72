package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/observability/alerting"
	"OpenClaw-Gateway/internal/observability/metrics"
	"OpenClaw-Gateway/internal/report"
	"OpenClaw-Gateway/pkg/logger"
)

// Listener 接收任务状态变化，会话管理器据此更新缓存的任务状态。
type Listener func(ctx context.Context, update Update) error

// Processor 负责从队列消费任务并交给执行器。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	reports     report.Store
	hub         *Hub
	listener    Listener
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	metrics     *metrics.Metrics
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithExecutionTimeout 限制单次执行时长。
func WithExecutionTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.timeout = d
	}
}

// WithHub 指定事件中心，通常与 Service 共用。
func WithHub(h *Hub) ProcessorOption {
	return func(p *Processor) {
		p.hub = h
	}
}

// WithListener 配置状态监听者。
func WithListener(l Listener) ProcessorOption {
	return func(p *Processor) {
		p.listener = l
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithMetrics 配置指标。
func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, reports report.Store, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		reports:     reports,
		workerCount: 1,
		logger:      logger.Named("job-processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.hub == nil {
		p.hub = NewHub(0, 0)
	}
	return p
}

// Start 启动任务处理循环，阻塞到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeNotInitialized, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil || p.reports == nil {
		return xerrors.New(xerrors.CodeNotInitialized, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) || stdErrors.Is(err, ErrCompleted) || stdErrors.Is(err, ErrExhausted) || stdErrors.Is(err, ErrConflict) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}

	p.notify(ctx, Update{JobID: job.ID, SessionID: job.SessionID, Status: StatusRunning})
	p.hub.Publish(job.ID, Event{Type: EventProgress, Message: fmt.Sprintf("running (attempt %d/%d)", job.Attempts, job.MaxRetries)})

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	artifact, execErr := p.executor.Execute(execCtx, Request{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Prompt:    job.Prompt,
		Attempt:   job.Attempts,
		Status:    job.Status,
	}, func(ev Event) {
		if !ev.Terminal() {
			p.hub.Publish(job.ID, ev)
		}
	})
	cancel()
	if execErr == nil && artifact == nil {
		execErr = xerrors.New(CodeProcessing, "执行器未返回报告", xerrors.WithRetryable(false))
	}
	if execErr != nil {
		if stdErrors.Is(execErr, context.DeadlineExceeded) {
			execErr = xerrors.Wrap(xerrors.CodeTimeout, execErr, "任务执行超时")
		}
		return p.handleExecutionFailure(ctx, job, execErr)
	}

	stored := *artifact
	stored.Key = job.ID
	if err := p.reports.Put(ctx, stored); err != nil {
		return p.handleExecutionFailure(ctx, job, err)
	}
	if err := p.store.MarkComplete(ctx, job.ID, stored.Key); err != nil {
		p.logger.Error("标记任务完成失败", slog.Any("error", err), slog.String("job_id", job.ID))
		if storeErr := p.store.MarkFailed(ctx, job.ID, string(CodeProcessing), err.Error(), false); storeErr != nil {
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodePublish, pubErr, fmt.Sprintf("任务 %s 在标记完成失败后重投失败", job.ID))
		}
		return nil
	}

	p.hub.Publish(job.ID, Event{Type: EventComplete, ArtifactKey: stored.Key, Message: "report ready"})
	p.notify(ctx, Update{JobID: job.ID, SessionID: job.SessionID, Status: StatusComplete, ArtifactKey: stored.Key})
	p.metrics.ObserveJob(string(StatusComplete))
	logger.Audit().Info("任务执行成功",
		slog.String("job_id", job.ID),
		slog.String("session_id", job.SessionID),
		slog.Int("attempts", job.Attempts),
		slog.Int("report_bytes", len(stored.Body)),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	retryable := xerrors.RetryableError(execErr)
	if code == xerrors.CodeUnknown {
		code, retryable = CodeProcessing, true
	}
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, job.ID, string(code), execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("job_id", job.ID),
		slog.String("session_id", job.SessionID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	if terminal {
		p.hub.Publish(job.ID, Event{Type: EventError, Code: string(code), Message: execErr.Error()})
		p.notify(ctx, Update{JobID: job.ID, SessionID: job.SessionID, Status: StatusFailed, Error: execErr.Error()})
		p.metrics.ObserveJob(string(StatusFailed))
		p.emitAlert(ctx, job, code, execErr)
		return nil
	}

	p.metrics.ObserveJob("retry")
	p.hub.Publish(job.ID, Event{Type: EventProgress, Message: "retrying: " + execErr.Error()})
	if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
		return xerrors.Wrap(CodePublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	return nil
}

func (p *Processor) notify(ctx context.Context, update Update) {
	if p.listener == nil {
		return
	}
	if err := p.listener(ctx, update); err != nil {
		p.logger.Warn("任务状态回调失败",
			slog.Any("error", err),
			slog.String("job_id", update.JobID),
			slog.String("status", string(update.Status)),
		)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.FromError(cause, code)
	event.Code = code
	event.JobID = job.ID
	event.SessionID = job.SessionID
	event.Attempts = job.Attempts
	event.MaxRetries = job.MaxRetries
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = "terminal"
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("job_id", job.ID))
	}
}
