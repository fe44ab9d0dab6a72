package ledger

import (
	"context"
	"errors"
	"net/http"

	xerrors "OpenClaw-Gateway/internal/errors"
)

const (
	CodeUnavailable xerrors.Code = "LEDGER_UNAVAILABLE"
	CodeNotReady    xerrors.Code = "LEDGER_NOT_READY"
	CodeTxNotFound  xerrors.Code = "TX_NOT_FOUND"
	CodeTxReverted  xerrors.Code = "TX_REVERTED"
	CodeRejected    xerrors.Code = "LEDGER_REJECTED"

	// CodeSubmitUncertain 表示写操作可能已被节点收录，重发会造成重复交易。
	CodeSubmitUncertain xerrors.Code = "LEDGER_SUBMIT_UNCERTAIN"
)

func init() {
	xerrors.Register(CodeUnavailable, xerrors.Attributes{Message: "ledger unavailable", Severity: xerrors.SeverityWarning, Retryable: true, Status: http.StatusServiceUnavailable})
	xerrors.Register(CodeNotReady, xerrors.Attributes{Message: "ledger not ready", Severity: xerrors.SeverityInfo, Retryable: true, Status: http.StatusServiceUnavailable})
	xerrors.Register(CodeTxNotFound, xerrors.Attributes{Message: "transaction not found", Severity: xerrors.SeverityInfo, Status: http.StatusNotFound})
	xerrors.Register(CodeTxReverted, xerrors.Attributes{Message: "transaction reverted", Severity: xerrors.SeverityWarning, Status: http.StatusUnprocessableEntity})
	xerrors.Register(CodeSubmitUncertain, xerrors.Attributes{Message: "transaction submission outcome unknown", Severity: xerrors.SeverityCritical, Alert: true, Status: http.StatusBadGateway})
	xerrors.Register(CodeRejected, xerrors.Attributes{Message: "transaction rejected", Severity: xerrors.SeverityWarning, Status: http.StatusUnprocessableEntity})
}

// Unavailable 把网络、超时类错误包装为可重试的账本错误。
func Unavailable(cause error, message string) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, context.Canceled) {
		return cause
	}
	return xerrors.Wrap(CodeUnavailable, cause, message)
}

// Rejected 把节点拒绝的交易包装为不可重试错误。
func Rejected(cause error, message string) error {
	return xerrors.Wrap(CodeRejected, cause, message)
}

// NotFound 返回交易不存在的错误。
func NotFound(hash string) error {
	return xerrors.New(CodeTxNotFound, "transaction not found", xerrors.WithMetadata("tx_hash", hash))
}

// IsNotFound 判断错误是否表示交易不存在。
func IsNotFound(err error) bool {
	return xerrors.HasCode(err, CodeTxNotFound)
}
