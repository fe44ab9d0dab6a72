package job

import (
	"net/http"

	xerrors "OpenClaw-Gateway/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Job 描述一个已付款会话的研究任务。与会话一一对应，不会为同一会话重建。
type Job struct {
	ID          string `json:"jobId"`
	SessionID   string `json:"sessionId"`
	Prompt      string `json:"prompt"`
	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxRetries  int    `json:"maxRetries"`
	LastError   string `json:"lastError,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	ArtifactKey string `json:"artifactKey,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Spec 是派发任务的输入。ID 为空时自动生成。
type Spec struct {
	ID        string
	SessionID string
	Prompt    string
}

// Update 是推送给状态监听者的任务变化。
type Update struct {
	JobID       string
	SessionID   string
	Status      Status
	ArtifactKey string
	Error       string
}

var (
	// ErrNotFound 表示指定的任务不存在。
	ErrNotFound = xerrors.New(CodeNotFound, "job not found")
	// ErrConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrConflict = xerrors.New(CodeConflict, "job conflict")
	// ErrCompleted 表示任务已经成功完成。
	ErrCompleted = xerrors.New(CodeCompleted, "job already completed")
	// ErrExhausted 表示任务的重试次数已经耗尽。
	ErrExhausted = xerrors.New(CodeExhausted, "job retries exhausted")
)

const (
	CodeNotFound      xerrors.Code = "JOB_NOT_FOUND"
	CodeConflict      xerrors.Code = "JOB_CONFLICT"
	CodeCompleted     xerrors.Code = "JOB_COMPLETED"
	CodeExhausted     xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeValidation    xerrors.Code = "JOB_VALIDATION_FAILED"
	CodePublish       xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeProcessing    xerrors.Code = "JOB_PROCESSING_FAILED"
	CodeStreamTimeout xerrors.Code = "STREAM_TIMEOUT"
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
	xerrors.Register(CodeConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusConflict,
	})
	xerrors.Register(CodeCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusConflict,
	})
	xerrors.Register(CodeExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusBadRequest,
	})
	xerrors.Register(CodePublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
		Status:    http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeProcessing, xerrors.Attributes{
		Message:   "job execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeStreamTimeout, xerrors.Attributes{
		Message:  "stream timed out",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusGatewayTimeout,
	})
}

func cloneJob(j *Job) *Job {
	clone := *j
	return &clone
}
