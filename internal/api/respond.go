package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/pkg/logger"
)

const maxBodyBytes = 1 << 20

// ErrorBody 是所有失败响应的统一格式。
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 描述错误码与可读信息。
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 按错误码登记的 HTTP 状态输出错误；未分类的错误不向客户端暴露细节。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := xerrors.HTTPStatusOf(err)
	message := http.StatusText(status)
	if e, ok := xerrors.From(err); ok && code != xerrors.CodeUnknown {
		message = e.Message()
	} else {
		logger.Named("api").Error("未分类的请求错误", slog.Any("error", err))
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: string(code), Message: message}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeValidation, "请求体不能为空")
		}
		return xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败")
	}
	return nil
}
