// Package report 保存已完成任务产出的报告文件。
package report

import (
	"context"
	"net/http"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
)

const CodeNotFound xerrors.Code = "REPORT_NOT_FOUND"

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "report not found", Severity: xerrors.SeverityInfo, Status: http.StatusNotFound})
}

// Artifact 是一份报告。
type Artifact struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store 是键到报告内容的存储。
type Store interface {
	Put(ctx context.Context, a Artifact) error
	Get(ctx context.Context, key string) (Artifact, error)
	Delete(ctx context.Context, key string) error
}

// ErrNotFound 构造报告不存在的错误。
func ErrNotFound(key string) error {
	return xerrors.New(CodeNotFound, "report not found", xerrors.WithMetadata("key", key))
}

// IsNotFound 判断错误是否表示报告不存在。
func IsNotFound(err error) bool {
	return xerrors.HasCode(err, CodeNotFound)
}

func validKey(key string) error {
	if key == "" {
		return xerrors.New(xerrors.CodeValidation, "报告键不能为空")
	}
	return nil
}
