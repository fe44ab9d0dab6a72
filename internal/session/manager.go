package session

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/job"
	"OpenClaw-Gateway/internal/ledger"
	"OpenClaw-Gateway/internal/observability/metrics"
	"OpenClaw-Gateway/internal/payment"
	"OpenClaw-Gateway/internal/report"
	"OpenClaw-Gateway/pkg/logger"
)

// Verifier 校验付款交易。
type Verifier interface {
	AwaitFinal(ctx context.Context, req payment.Requirement, txRef string, policy ledger.Policy) (payment.Verdict, error)
}

// Jobs 是会话使用的任务服务能力。
type Jobs interface {
	Dispatch(ctx context.Context, spec job.Spec) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	Converse(ctx context.Context, req job.Request) (<-chan job.Event, error)
}

// Deps 汇总 Manager 的协作方。
type Deps struct {
	Store    Store
	Verifier Verifier
	Claims   payment.ClaimRegistry
	Jobs     Jobs
	Reports  report.Store
	Pricing  payment.Pricing
}

const (
	defaultReapInterval    = time.Second
	defaultReapBatch       = 100
	defaultDispatchTimeout = 10 * time.Second
)

// Manager 持有会话状态机。
type Manager struct {
	store    Store
	verifier Verifier
	claims   payment.ClaimRegistry
	jobs     Jobs
	reports  report.Store
	pricing  payment.Pricing

	policy          ledger.Policy
	confirmWait     time.Duration
	retention       time.Duration
	reapInterval    time.Duration
	dispatchTimeout time.Duration
	now             func() time.Time
	newID           func() string
	metrics         *metrics.Metrics
	logger          *slog.Logger

	mu       sync.Mutex
	locks    map[string]*sessionLock
	inflight map[string]context.CancelFunc
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

// Option 定义可选配置。
type Option func(*Manager)

// WithVerifyPolicy 设置确认时等待最终性的重试策略。
func WithVerifyPolicy(p ledger.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithConfirmWait 限制一次确认请求等待最终性的总时长。
func WithConfirmWait(d time.Duration) Option {
	return func(m *Manager) { m.confirmWait = d }
}

// WithRetention 设置终态会话的保留时长，0 表示不清理。
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithReapInterval 设置过期扫描周期。
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reapInterval = d
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator 替换会话与任务 id 的生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithMetrics 记录状态迁移指标。
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager 创建会话管理器。
func NewManager(deps Deps, opts ...Option) (*Manager, error) {
	if deps.Store == nil || deps.Verifier == nil || deps.Claims == nil || deps.Jobs == nil || deps.Reports == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "会话管理器缺少依赖")
	}
	if deps.Pricing.Amount == nil || deps.Pricing.Amount.Sign() <= 0 || deps.Pricing.Recipient == "" {
		return nil, xerrors.New(xerrors.CodeFatalConfig, "报价配置不完整")
	}
	m := &Manager{
		store:           deps.Store,
		verifier:        deps.Verifier,
		claims:          deps.Claims,
		jobs:            deps.Jobs,
		reports:         deps.Reports,
		pricing:         deps.Pricing,
		policy:          ledger.FixedPolicy(1, 0),
		reapInterval:    defaultReapInterval,
		dispatchTimeout: defaultDispatchTimeout,
		now:             time.Now,
		newID:           uuid.NewString,
		logger:          logger.Named("session"),
		locks:           make(map[string]*sessionLock),
		inflight:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Pricing 返回当前报价。
func (m *Manager) Pricing() payment.Pricing { return m.pricing }

// Chat 处理聊天消息：新会话返回付款要求，已付款会话把消息交给执行器。
func (m *Manager) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "message 不能为空", xerrors.WithMetadata("field", "message"))
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return m.open(ctx, message)
	}

	unlock, err := m.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Latched():
		events, err := m.jobs.Converse(ctx, job.Request{
			JobID:     s.JobID,
			SessionID: s.ID,
			Prompt:    s.Message,
			Message:   message,
			Status:    s.JobStatus,
		})
		if err != nil {
			return nil, err
		}
		return &ChatResult{SessionID: s.ID, State: s.State, JobID: s.JobID, Events: events}, nil
	case s.State == StateAwaitingPayment && !s.Requirement.Expired(m.now()):
		requirement := s.Clone().Requirement
		return &ChatResult{SessionID: s.ID, State: s.State, Payment: &requirement}, nil
	case s.State == StateAwaitingPayment:
		err := m.expireLocked(ctx, s)
		if xerrors.CodeOf(err) != CodeStale {
			return nil, err
		}
		// 其他实例已推进会话，按最新状态重新处理；存储中的会话不再处于等待付款状态。
		unlock()
		return m.Chat(ctx, req)
	default:
		return nil, expiredError(s.ID)
	}
}

func (m *Manager) open(ctx context.Context, message string) (*ChatResult, error) {
	now := m.now().UTC()
	s := &Session{
		ID:        m.newID(),
		Message:   message,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.Requirement = payment.Quote(m.pricing, s.ID, now)
	m.transition(s, StateAwaitingPayment)
	if err := m.store.Create(ctx, s); err != nil {
		return nil, storageError(err, "保存会话失败")
	}
	m.logger.Info("会话已创建",
		slog.String("session_id", s.ID),
		slog.String("amount", s.Requirement.Amount.String()),
		slog.String("token", s.Requirement.Token),
	)
	requirement := s.Clone().Requirement
	return &ChatResult{SessionID: s.ID, State: s.State, Payment: &requirement}, nil
}

// Confirm 校验付款并锁存确认结果，成功后派发任务。
func (m *Manager) Confirm(ctx context.Context, sessionID, txRef string) (*Confirmation, error) {
	sessionID, txRef = strings.TrimSpace(sessionID), strings.TrimSpace(txRef)
	if sessionID == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "sessionId 不能为空", xerrors.WithMetadata("field", "sessionId"))
	}
	if txRef == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "txHash 不能为空", xerrors.WithMetadata("field", "txHash"))
	}

	unlock, err := m.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Latched() {
		if payment.NormalizeRef(s.TxRef) == payment.NormalizeRef(txRef) {
			return confirmationOf(s), nil
		}
		return nil, xerrors.New(CodeAlreadyConfirmed, "会话已使用其他交易确认", xerrors.WithMetadata("session_id", s.ID))
	}
	if s.State != StateAwaitingPayment {
		return nil, expiredError(s.ID)
	}
	if s.Requirement.Expired(m.now()) {
		return m.expireOrResolve(ctx, s, txRef)
	}

	verdict, err := m.verify(ctx, s, txRef)
	if s.Requirement.Expired(m.now()) {
		m.logger.Info("会话已过期，丢弃校验结果", slog.String("session_id", s.ID), slog.String("tx_hash", txRef))
		return m.expireOrResolve(ctx, s, txRef)
	}
	if err != nil {
		m.logger.Warn("付款校验失败", slog.Any("error", err), slog.String("session_id", s.ID), slog.String("tx_hash", txRef))
		return nil, err
	}
	switch verdict.Kind {
	case payment.Confirmed:
	case payment.NotYetFinal:
		return nil, xerrors.New(CodePending, verdict.String())
	case payment.InsufficientAmount:
		return nil, xerrors.New(CodeInsufficient, verdict.String(), xerrors.WithMetadata("tx_hash", txRef))
	default:
		return nil, xerrors.New(CodePaymentNotFound, verdict.String(), xerrors.WithMetadata("tx_hash", txRef))
	}

	if err := m.claims.Claim(ctx, txRef, s.ID); err != nil {
		return nil, err
	}
	s.TxRef = txRef
	s.AmountPaid = verdict.AmountPaid
	s.JobID = m.newID()
	s.JobStatus = job.StatusQueued
	s.ConfirmedAt = m.now().UTC()
	m.transition(s, StateConfirmed)
	if err := m.store.UpdateIf(ctx, s, StateAwaitingPayment); err != nil {
		if xerrors.CodeOf(err) == CodeStale {
			m.logger.Info("会话已由其他实例确认", slog.String("session_id", s.ID), slog.String("tx_hash", txRef))
			return m.resolve(ctx, s.ID, txRef)
		}
		return nil, storageError(err, "保存确认结果失败")
	}
	logger.Audit().Info("付款已确认",
		slog.String("session_id", s.ID),
		slog.String("tx_hash", s.TxRef),
		slog.String("amount_paid", s.AmountPaid.String()),
		slog.String("token", s.Requirement.Token),
		slog.String("job_id", s.JobID),
	)

	m.dispatch(ctx, s)
	return confirmationOf(s), nil
}

// verify 在会话的可取消上下文中等待最终性。等待被截断时视为尚未最终确认。
func (m *Manager) verify(ctx context.Context, s *Session, txRef string) (payment.Verdict, error) {
	var (
		vctx   context.Context
		cancel context.CancelFunc
	)
	if m.confirmWait > 0 {
		vctx, cancel = context.WithTimeout(ctx, m.confirmWait)
	} else {
		vctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	m.mu.Lock()
	m.inflight[s.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, s.ID)
		m.mu.Unlock()
	}()

	verdict, err := m.verifier.AwaitFinal(vctx, s.Requirement, txRef, m.policy)
	if err != nil && ctx.Err() == nil && vctx.Err() != nil {
		return payment.Verdict{Kind: payment.NotYetFinal, Detail: "verification window elapsed"}, nil
	}
	return verdict, err
}

// dispatch 派发任务。派发失败只影响任务字段与终态，确认结果保持不变。
func (m *Manager) dispatch(ctx context.Context, s *Session) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.dispatchTimeout)
	defer cancel()
	j, err := m.jobs.Dispatch(dctx, job.Spec{ID: s.JobID, SessionID: s.ID, Prompt: s.Message})
	if err != nil {
		m.logger.Error("任务派发失败", slog.Any("error", err), slog.String("session_id", s.ID), slog.String("job_id", s.JobID))
		s.JobStatus = job.StatusFailed
		s.FailureReason = err.Error()
		m.transition(s, StateFailed)
		if storeErr := m.store.Update(dctx, s); storeErr != nil {
			m.logger.Error("保存派发失败状态出错", slog.Any("error", storeErr), slog.String("session_id", s.ID))
		}
		return
	}
	// 任务服务按会话去重，可能返回此前已创建的任务，会话必须记录实际存在的任务。
	if j != nil && j.ID != "" && j.ID != s.JobID {
		m.logger.Warn("会话已有任务，改用已存在的任务",
			slog.String("session_id", s.ID),
			slog.String("allocated", s.JobID),
			slog.String("job_id", j.ID),
		)
		s.JobID = j.ID
		s.JobStatus = j.Status
		s.UpdatedAt = m.now().UTC()
		if storeErr := m.store.Update(dctx, s); storeErr != nil {
			m.logger.Error("保存任务编号失败", slog.Any("error", storeErr), slog.String("session_id", s.ID))
		}
	}
}

// JobUpdated 接收任务状态回调，只修改任务字段与终态。
func (m *Manager) JobUpdated(ctx context.Context, u job.Update) error {
	sessionID := u.SessionID
	if sessionID == "" {
		s, err := m.store.FindByJob(ctx, u.JobID)
		if err != nil {
			return err
		}
		sessionID = s.ID
	}
	unlock, err := m.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.JobID != u.JobID {
		m.logger.Warn("忽略不属于会话的任务回调", slog.String("session_id", s.ID), slog.String("job_id", u.JobID))
		return nil
	}
	if s.JobStatus.Terminal() {
		return nil
	}
	s.JobStatus = u.Status
	s.UpdatedAt = m.now().UTC()
	switch u.Status {
	case job.StatusComplete:
		m.transition(s, StateCompleted)
	case job.StatusFailed:
		s.FailureReason = u.Error
		m.transition(s, StateFailed)
	}
	if err := m.store.Update(ctx, s); err != nil {
		return storageError(err, "保存任务状态失败")
	}
	return nil
}

// Download 返回已完成任务的报告。
func (m *Manager) Download(ctx context.Context, jobID string) (*report.Artifact, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, notReady(jobID)
	}
	j, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, job.ErrNotFound) {
			return nil, notReady(jobID)
		}
		return nil, err
	}
	if j.Status != job.StatusComplete || j.ArtifactKey == "" {
		return nil, notReady(jobID)
	}
	artifact, err := m.reports.Get(ctx, j.ArtifactKey)
	if err != nil {
		if report.IsNotFound(err) {
			return nil, notReady(jobID)
		}
		return nil, err
	}
	return &artifact, nil
}

// Status 返回会话快照。
func (m *Manager) Status(ctx context.Context, sessionID string) (*Session, error) {
	return m.load(ctx, strings.TrimSpace(sessionID))
}

// JobStatus 返回任务快照。
func (m *Manager) JobStatus(ctx context.Context, jobID string) (*job.Job, error) {
	return m.jobs.Get(ctx, strings.TrimSpace(jobID))
}

// Reap 使过期会话失败并清理保留期外的终态会话。
func (m *Manager) Reap(ctx context.Context) (expired, purged int, err error) {
	now := m.now()
	candidates, err := m.store.ListExpired(ctx, now, defaultReapBatch)
	if err != nil {
		return 0, 0, storageError(err, "查询过期会话失败")
	}
	for _, candidate := range candidates {
		m.abandon(candidate.ID)
		ok, err := m.expire(ctx, candidate.ID)
		if err != nil {
			return expired, 0, err
		}
		if ok {
			expired++
		}
	}
	if m.retention > 0 {
		purged, err = m.store.Purge(ctx, now.Add(-m.retention))
		if err != nil {
			return expired, 0, storageError(err, "清理会话失败")
		}
	}
	return expired, purged, nil
}

// Run 周期性执行 Reap，直到 ctx 结束。
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, purged, err := m.Reap(ctx)
			if err != nil {
				m.logger.Error("会话清理失败", slog.Any("error", err))
				continue
			}
			if expired > 0 || purged > 0 {
				m.logger.Info("会话清理完成", slog.Int("expired", expired), slog.Int("purged", purged))
			}
		}
	}
}

func (m *Manager) expire(ctx context.Context, sessionID string) (bool, error) {
	unlock, err := m.acquire(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer unlock()
	s, err := m.load(ctx, sessionID)
	if err != nil {
		if xerrors.CodeOf(err) == CodeNotFound {
			return false, nil
		}
		return false, err
	}
	if s.State != StateAwaitingPayment || !s.Requirement.Expired(m.now()) {
		return false, nil
	}
	switch err := m.expireLocked(ctx, s); xerrors.CodeOf(err) {
	case CodeExpired:
		return true, nil
	case CodeStale:
		return false, nil
	default:
		return false, err
	}
}

// expireLocked 把等待付款的会话置为失败，返回 SESSION_EXPIRED、ErrStale 或存储错误。
func (m *Manager) expireLocked(ctx context.Context, s *Session) error {
	s.FailureReason = "payment window expired"
	m.transition(s, StateFailed)
	if err := m.store.UpdateIf(ctx, s, StateAwaitingPayment); err != nil {
		return storageError(err, "保存过期状态失败")
	}
	logger.Audit().Info("会话付款超时", slog.String("session_id", s.ID), slog.Time("expires_at", s.ExpiresAt()))
	return expiredError(s.ID)
}

// expireOrResolve 使会话过期；会话若已被其他实例推进，则按最新状态作答。
func (m *Manager) expireOrResolve(ctx context.Context, s *Session, txRef string) (*Confirmation, error) {
	err := m.expireLocked(ctx, s)
	if xerrors.CodeOf(err) == CodeStale {
		return m.resolve(ctx, s.ID, txRef)
	}
	return nil, err
}

// resolve 重新读取会话，把条件写入失败转换为对调用方的答复。
func (m *Manager) resolve(ctx context.Context, sessionID, txRef string) (*Confirmation, error) {
	current, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Latched() {
		if payment.NormalizeRef(current.TxRef) == payment.NormalizeRef(txRef) {
			return confirmationOf(current), nil
		}
		return nil, xerrors.New(CodeAlreadyConfirmed, "会话已使用其他交易确认", xerrors.WithMetadata("session_id", current.ID))
	}
	return nil, expiredError(current.ID)
}

// abandon 取消会话正在进行的付款校验。
func (m *Manager) abandon(sessionID string) {
	m.mu.Lock()
	cancel := m.inflight[sessionID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) transition(s *Session, to State) {
	from := s.State
	s.State = to
	s.UpdatedAt = m.now().UTC()
	m.metrics.ObserveTransition(string(from), string(to))
}

func (m *Manager) load(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if xerrors.CodeOf(err) == CodeNotFound {
			return nil, xerrors.New(CodeNotFound, "会话不存在", xerrors.WithMetadata("session_id", sessionID))
		}
		return nil, storageError(err, "读取会话失败")
	}
	return s, nil
}

// acquire 获取会话锁。map 锁只在查找期间持有。
func (m *Manager) acquire(ctx context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[sessionID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.release(sessionID, l)
			})
		}, nil
	case <-ctx.Done():
		m.release(sessionID, l)
		return nil, ctx.Err()
	}
}

func (m *Manager) release(sessionID string, l *sessionLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, sessionID)
	}
}

func expiredError(sessionID string) error {
	return xerrors.New(CodeExpired, "会话已过期", xerrors.WithMetadata("session_id", sessionID))
}

func notReady(jobID string) error {
	return xerrors.New(CodeReportNotReady, "报告尚未生成", xerrors.WithMetadata("job_id", jobID))
}

func storageError(err error, message string) error {
	if xerrors.CodeOf(err) != xerrors.CodeUnknown {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
