package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/report"
	"OpenClaw-Gateway/pkg/logger"
)

// Request 是交给执行器的输入。
type Request struct {
	JobID     string
	SessionID string
	Prompt    string
	// Message 是会话确认后追加的提问，仅 Reply 使用。
	Message string
	Attempt int
	Status  Status
}

// Executor 执行研究任务并产出报告。
type Executor interface {
	Execute(ctx context.Context, req Request, emit Emitter) (*report.Artifact, error)
}

// Replier 回答已付款会话中的追加消息。
type Replier interface {
	Reply(ctx context.Context, req Request, emit Emitter) error
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	hub        *Hub
	replier    Replier
	maxRetries int
	logger     *slog.Logger
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithMaxRetries 设置新任务的最大尝试次数。
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithReplier 配置追加消息的应答者。
func WithReplier(r Replier) ServiceOption {
	return func(s *Service) {
		s.replier = r
	}
}

// WithServiceLogger 指定日志输出。
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, hub *Hub, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer, hub: hub, maxRetries: 3, logger: logger.Named("job")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.hub == nil {
		s.hub = NewHub(0, 0)
	}
	return s
}

// Hub 返回事件中心。
func (s *Service) Hub() *Hub { return s.hub }

// Dispatch 创建任务并推送到队列。对同一 ID 或同一会话重复调用返回已有任务。
func (s *Service) Dispatch(ctx context.Context, spec Spec) (*Job, error) {
	if strings.TrimSpace(spec.Prompt) == "" {
		return nil, xerrors.New(CodeValidation, "任务内容不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "任务服务未初始化")
	}

	jobID := strings.TrimSpace(spec.ID)
	if jobID != "" {
		if existing, err := s.store.Get(ctx, jobID); err == nil {
			return existing, nil
		} else if !stdErrors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}
	if spec.SessionID != "" {
		if existing, err := s.store.FindBySession(ctx, spec.SessionID); err == nil {
			return existing, nil
		} else if !stdErrors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	job := &Job{
		ID:         jobID,
		SessionID:  spec.SessionID,
		Prompt:     spec.Prompt,
		Status:     StatusQueued,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			if existing, getErr := s.store.Get(ctx, jobID); getErr == nil {
				return existing, nil
			}
			if existing, getErr := s.store.FindBySession(ctx, spec.SessionID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	s.hub.Publish(jobID, Event{Type: EventProgress, Message: "queued"})
	if err := s.producer.Publish(ctx, jobID); err != nil {
		s.logger.Error("任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodePublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, string(CodePublish), wrapped.Error(), true)
		s.hub.Publish(jobID, Event{Type: EventError, Code: string(CodePublish), Message: wrapped.Error()})
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("job_id", jobID),
		slog.String("session_id", spec.SessionID),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Follow 返回任务的事件流：先回放缓存事件，再推送实时事件，终止事件后关闭。
//
// 流不可恢复；断开后应重新查询状态。
func (s *Service) Follow(ctx context.Context, id string) (<-chan Event, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	replay, live, cancel := s.hub.Subscribe(id)

	// 订阅与终态之间可能有竞争，订阅后再读一次存储。
	if !job.Status.Terminal() {
		if latest, err := s.store.Get(ctx, id); err == nil {
			job = latest
		}
	}
	hasTerminal := len(replay) > 0 && replay[len(replay)-1].Terminal()

	out := make(chan Event, len(replay)+1)
	go func() {
		defer close(out)
		defer cancel()
		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, ev := range replay {
			if !send(ev) {
				return
			}
		}
		if hasTerminal {
			return
		}
		if job.Status.Terminal() {
			send(terminalEvent(job))
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				if !send(ev) || ev.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

// Converse 把追加消息交给应答者，返回有限的事件流。
func (s *Service) Converse(ctx context.Context, req Request) (<-chan Event, error) {
	if s.replier == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "未配置应答者")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, xerrors.New(CodeValidation, "消息不能为空")
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		seq := 0
		send := func(ev Event) bool {
			seq++
			ev.Seq = seq
			ev.JobID = req.JobID
			if ev.At.IsZero() {
				ev.At = time.Now().UTC()
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		err := s.replier.Reply(ctx, req, func(ev Event) {
			if !ev.Terminal() {
				send(ev)
			}
		})
		if err != nil {
			code := xerrors.CodeOf(err)
			if code == xerrors.CodeUnknown {
				code = CodeProcessing
			}
			send(Event{Type: EventError, Code: string(code), Message: err.Error()})
			return
		}
		send(Event{Type: EventComplete})
	}()
	return out, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilDone 在 ctx 内轮询任务直到终态。
func (s *Service) WaitUntilDone(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func terminalEvent(job *Job) Event {
	if job.Status == StatusComplete {
		return Event{Type: EventComplete, JobID: job.ID, ArtifactKey: job.ArtifactKey, At: time.Unix(job.UpdatedAt, 0).UTC()}
	}
	return Event{Type: EventError, JobID: job.ID, Code: job.ErrorCode, Message: job.LastError, At: time.Unix(job.UpdatedAt, 0).UTC()}
}
