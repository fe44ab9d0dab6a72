package session

import (
	"math/big"
	"net/http"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/job"
	"OpenClaw-Gateway/internal/payment"
)

// State 是会话状态。
type State string

const (
	StateCreated         State = "CREATED"
	StateAwaitingPayment State = "AWAITING_PAYMENT"
	StateConfirmed       State = "CONFIRMED"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
)

// Terminal 报告状态是否为终态。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

const (
	CodeNotFound         xerrors.Code = "SESSION_NOT_FOUND"
	CodeExpired          xerrors.Code = "SESSION_EXPIRED"
	CodeConflict         xerrors.Code = "SESSION_CONFLICT"
	CodeAlreadyConfirmed xerrors.Code = "PAYMENT_ALREADY_CONFIRMED"
	CodeInsufficient     xerrors.Code = "PAYMENT_INSUFFICIENT"
	CodePaymentNotFound  xerrors.Code = "PAYMENT_NOT_FOUND"
	CodePending          xerrors.Code = "PAYMENT_PENDING"
	CodeReportNotReady   xerrors.Code = "REPORT_NOT_READY"
	CodeStale            xerrors.Code = "SESSION_STALE"
)

var (
	// ErrNotFound 表示会话不存在。
	ErrNotFound = xerrors.New(CodeNotFound, "会话不存在")
	// ErrConflict 表示会话 id 已存在。
	ErrConflict = xerrors.New(CodeConflict, "会话已存在")
	// ErrStale 表示条件更新时会话已被其他请求推进到别的状态。
	ErrStale    = xerrors.New(CodeStale, "会话状态已变化")
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "session not found", Severity: xerrors.SeverityInfo, Status: http.StatusNotFound})
	xerrors.Register(CodeExpired, xerrors.Attributes{Message: "session expired", Severity: xerrors.SeverityInfo, Status: http.StatusGone})
	xerrors.Register(CodeConflict, xerrors.Attributes{Message: "session already exists", Severity: xerrors.SeverityWarning, Status: http.StatusConflict})
	xerrors.Register(CodeAlreadyConfirmed, xerrors.Attributes{Message: "session already confirmed with another transaction", Severity: xerrors.SeverityWarning, Status: http.StatusConflict})
	xerrors.Register(CodeInsufficient, xerrors.Attributes{Message: "payment does not satisfy the requirement", Severity: xerrors.SeverityInfo, Status: http.StatusPaymentRequired})
	xerrors.Register(CodePaymentNotFound, xerrors.Attributes{Message: "payment not found", Severity: xerrors.SeverityInfo, Status: http.StatusPaymentRequired})
	xerrors.Register(CodePending, xerrors.Attributes{Message: "payment not yet final", Severity: xerrors.SeverityInfo, Retryable: true, Status: http.StatusAccepted})
	xerrors.Register(CodeStale, xerrors.Attributes{Message: "session state changed concurrently", Severity: xerrors.SeverityInfo, Status: http.StatusConflict})
	xerrors.Register(CodeReportNotReady, xerrors.Attributes{Message: "report not ready", Severity: xerrors.SeverityInfo, Status: http.StatusNotFound})
}

// Session 是一次报价、付款、执行的完整交互。
type Session struct {
	ID            string              `json:"sessionId"`
	Message       string              `json:"message"`
	State         State               `json:"state"`
	Requirement   payment.Requirement `json:"payment"`
	TxRef         string              `json:"txHash,omitempty"`
	AmountPaid    *big.Int            `json:"amountPaid,omitempty"`
	JobID         string              `json:"jobId,omitempty"`
	JobStatus     job.Status          `json:"jobStatus,omitempty"`
	FailureReason string              `json:"failureReason,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	ConfirmedAt   time.Time           `json:"confirmedAt,omitempty"`
}

// Latched 报告会话是否已记录付款交易。
func (s *Session) Latched() bool {
	return s.TxRef != ""
}

// ExpiresAt 返回付款截止时间，零值表示不过期。
func (s *Session) ExpiresAt() time.Time {
	return s.Requirement.ExpiresAt
}

// Clone 返回深拷贝。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Requirement.Amount != nil {
		clone.Requirement.Amount = new(big.Int).Set(s.Requirement.Amount)
	}
	if s.AmountPaid != nil {
		clone.AmountPaid = new(big.Int).Set(s.AmountPaid)
	}
	return &clone
}

// ChatRequest 是一次聊天请求。
type ChatRequest struct {
	Message   string
	SessionID string
}

// ChatResult 是聊天的结果：未付款时携带 Payment，已付款时携带事件流。
type ChatResult struct {
	SessionID string
	State     State
	Payment   *payment.Requirement
	JobID     string
	Events    <-chan job.Event
}

// PaymentRequired 报告调用方是否需要先付款。
func (r *ChatResult) PaymentRequired() bool {
	return r.Payment != nil
}

// Confirmation 是付款确认的结果，重复确认返回同一份。
type Confirmation struct {
	SessionID   string
	JobID       string
	TxRef       string
	AmountPaid  *big.Int
	ConfirmedAt time.Time
}

func confirmationOf(s *Session) *Confirmation {
	c := &Confirmation{SessionID: s.ID, JobID: s.JobID, TxRef: s.TxRef, ConfirmedAt: s.ConfirmedAt}
	if s.AmountPaid != nil {
		c.AmountPaid = new(big.Int).Set(s.AmountPaid)
	}
	return c
}
