package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/job"
	"OpenClaw-Gateway/internal/payment"
	"OpenClaw-Gateway/internal/session"
)

// AgentProfile 是 /agent 返回的服务身份与报价。
type AgentProfile struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	URI         string      `json:"uri"`
	Address     string      `json:"address"`
	Registry    string      `json:"registry,omitempty"`
	TokenID     string      `json:"tokenId,omitempty"`
	Pricing     PricingView `json:"pricing"`
}

// PricingView 是对外展示的报价，金额为最小单位的十进制字符串。
type PricingView struct {
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Decimals  int32  `json:"decimals"`
	Display   string `json:"display"`
	Recipient string `json:"recipient"`
}

// NewPricingView 把报价转换为响应格式。
func NewPricingView(p payment.Pricing) PricingView {
	view := PricingView{Token: p.Token, Decimals: p.Decimals, Display: p.Display(), Recipient: p.Recipient}
	if p.Amount != nil {
		view.Amount = p.Amount.String()
	}
	return view
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

type paymentRequiredResponse struct {
	SessionID string               `json:"sessionId"`
	Payment   *payment.Requirement `json:"payment"`
}

type chatResponse struct {
	SessionID string      `json:"sessionId"`
	JobID     string      `json:"jobId,omitempty"`
	Reply     string      `json:"reply"`
	Events    []job.Event `json:"events"`
}

type confirmRequest struct {
	SessionID string `json:"sessionId"`
	TxHash    string `json:"txHash"`
}

type confirmResponse struct {
	Status      string     `json:"status"`
	SessionID   string     `json:"sessionId"`
	JobID       string     `json:"jobId,omitempty"`
	TxHash      string     `json:"txHash,omitempty"`
	AmountPaid  string     `json:"amountPaid,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	info, err := s.deps.Ledger.ChainInfo(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"ledger": map[string]string{"error": err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ledger": map[string]any{"chainId": info.ChainID, "head": info.Head},
	})
}

func (s *Server) handleAgent(w http.ResponseWriter, _ *http.Request) {
	profile := s.profile.Load()
	if profile == nil {
		writeError(w, xerrors.New(xerrors.CodeNotInitialized, "代理资料尚未就绪"))
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.deps.Sessions.Chat(r.Context(), session.ChatRequest{Message: req.Message, SessionID: req.SessionID})
	if err != nil {
		writeError(w, err)
		return
	}
	if result.PaymentRequired() {
		writeJSON(w, http.StatusPaymentRequired, paymentRequiredResponse{SessionID: result.SessionID, Payment: result.Payment})
		return
	}

	events := job.Bound(r.Context(), result.Events, s.streamTimeout)
	if wantsJSON(r) {
		s.writeChatJSON(w, result, events)
		return
	}
	s.streamSSE(w, result, events)
}

func (s *Server) writeChatJSON(w http.ResponseWriter, result *session.ChatResult, events <-chan job.Event) {
	resp := chatResponse{SessionID: result.SessionID, JobID: result.JobID, Events: []job.Event{}}
	var reply strings.Builder
	var last job.Event
	for ev := range events {
		resp.Events = append(resp.Events, ev)
		if ev.Type == job.EventDelta {
			reply.WriteString(ev.Text)
		}
		last = ev
	}
	if last.Type == job.EventError {
		writeError(w, xerrors.New(xerrors.Code(last.Code), last.Message))
		return
	}
	resp.Reply = reply.String()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) streamSSE(w http.ResponseWriter, result *session.ChatResult, events <-chan job.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeChatJSON(w, result, events)
		return
	}
	defer s.deps.Metrics.StreamOpened()()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Session-Id", result.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
			s.logger.Debug("SSE 客户端已断开", slog.String("session_id", result.SessionID), slog.Any("error", err))
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	conf, err := s.deps.Sessions.Confirm(r.Context(), req.SessionID, req.TxHash)
	if err != nil {
		if xerrors.CodeOf(err) == session.CodePending {
			writeJSON(w, http.StatusAccepted, confirmResponse{Status: "pending", SessionID: req.SessionID, TxHash: req.TxHash})
			return
		}
		writeError(w, err)
		return
	}
	resp := confirmResponse{Status: "confirmed", SessionID: conf.SessionID, JobID: conf.JobID, TxHash: conf.TxRef}
	if conf.AmountPaid != nil {
		resp.AmountPaid = conf.AmountPaid.String()
	}
	if !conf.ConfirmedAt.IsZero() {
		at := conf.ConfirmedAt.UTC()
		resp.ConfirmedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// sessionResponse 是会话快照，供客户端在断线后重新轮询。
type sessionResponse struct {
	SessionID     string               `json:"sessionId"`
	State         session.State        `json:"state"`
	Payment       *payment.Requirement `json:"payment"`
	TxHash        string               `json:"txHash,omitempty"`
	AmountPaid    string               `json:"amountPaid,omitempty"`
	JobID         string               `json:"jobId,omitempty"`
	JobStatus     job.Status           `json:"jobStatus,omitempty"`
	FailureReason string               `json:"failureReason,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	ConfirmedAt   *time.Time           `json:"confirmedAt,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Status(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	requirement := sess.Requirement
	resp := sessionResponse{
		SessionID:     sess.ID,
		State:         sess.State,
		Payment:       &requirement,
		TxHash:        sess.TxRef,
		JobID:         sess.JobID,
		JobStatus:     sess.JobStatus,
		FailureReason: sess.FailureReason,
		CreatedAt:     sess.CreatedAt.UTC(),
		UpdatedAt:     sess.UpdatedAt.UTC(),
	}
	if sess.AmountPaid != nil {
		resp.AmountPaid = sess.AmountPaid.String()
	}
	if !sess.ConfirmedAt.IsZero() {
		at := sess.ConfirmedAt.UTC()
		resp.ConfirmedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.deps.Sessions.Download(r.Context(), r.PathValue("jobId"))
	if err != nil {
		writeError(w, err)
		return
	}
	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if artifact.Name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Name}))
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(artifact.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Body)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Sessions.JobStatus(r.Context(), r.PathValue("jobId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const wsWriteWait = 10 * time.Second

// handleJobSocket 通过 websocket 推送任务事件直到终止事件，然后正常关闭连接。
func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeNotInitialized, "未配置任务事件源"))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	jobID := r.PathValue("jobId")
	source, err := s.deps.Jobs.Follow(ctx, jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket 升级失败", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	defer conn.Close()
	defer s.deps.Metrics.StreamOpened()()

	// 读循环只用于感知客户端关闭。
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range job.Bound(ctx, source, s.streamTimeout) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket 写入失败", slog.String("job_id", jobID), slog.Any("error", err))
			}
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"),
		time.Now().Add(wsWriteWait))
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/event-stream")
}
