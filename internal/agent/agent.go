package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/job"
	"OpenClaw-Gateway/internal/knowledge"
	"OpenClaw-Gateway/internal/llm"
	"OpenClaw-Gateway/internal/report"
	"OpenClaw-Gateway/pkg/logger"
)

const reportContentType = "text/markdown; charset=utf-8"

// Researcher 协调笔记检索与文本生成，是付费任务的执行器。
type Researcher struct {
	llmClient  llm.Client
	knowledge  knowledge.Provider
	llmTimeout time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option 定义可选的 Researcher 配置。
type Option func(*Researcher)

// WithKnowledgeProvider 配置笔记库，用于在生成前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(r *Researcher) {
		r.knowledge = provider
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(r *Researcher) {
		if timeout <= 0 {
			r.llmTimeout = 0
			return
		}
		r.llmTimeout = timeout
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Researcher) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Researcher) {
		if now != nil {
			r.now = now
		}
	}
}

// New 创建一个 Researcher。client 为空时使用内置模板生成器。
func New(client llm.Client, opts ...Option) *Researcher {
	if client == nil {
		client = llm.Template{}
	}
	r := &Researcher{
		llmClient: client,
		now:       time.Now,
		logger:    logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Execute 生成研究报告，生成过程中通过 emit 推送进度与正文片段。
func (r *Researcher) Execute(ctx context.Context, req job.Request, emit job.Emitter) (*report.Artifact, error) {
	topic := strings.TrimSpace(req.Prompt)
	if topic == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "报告主题不能为空")
	}
	emit = safeEmitter(emit)

	emit(job.Event{Type: job.EventProgress, Message: "collecting notes", Percent: 10})
	cards := r.collectKnowledge(topic)

	emit(job.Event{Type: job.EventProgress, Message: "drafting report", Percent: 30})
	output, err := r.generate(ctx, llm.Request{Topic: topic, Knowledge: cards})
	if err != nil {
		return nil, err
	}

	body := r.render(req, topic, output, cards)
	streamText(emit, body)
	emit(job.Event{Type: job.EventProgress, Message: "report drafted", Percent: 100})

	r.logger.Info("研究报告已生成",
		slog.String("job_id", req.JobID),
		slog.String("session_id", req.SessionID),
		slog.Int("attempt", req.Attempt),
		slog.Int("notes", len(cards)),
		slog.Int("bytes", len(body)),
	)
	return &report.Artifact{
		Name:        fmt.Sprintf("report-%s.md", req.JobID),
		ContentType: reportContentType,
		Body:        []byte(body),
		CreatedAt:   r.now().UTC(),
	}, nil
}

// Reply 回答已付款会话中的追加消息，回答以 delta 事件推送。
func (r *Researcher) Reply(ctx context.Context, req job.Request, emit job.Emitter) error {
	question := strings.TrimSpace(req.Message)
	if question == "" {
		return xerrors.New(xerrors.CodeValidation, "消息不能为空")
	}
	topic := strings.TrimSpace(req.Prompt)
	if topic == "" {
		topic = question
	}
	output, err := r.generate(ctx, llm.Request{
		Topic:     topic,
		Question:  question,
		Knowledge: r.collectKnowledge(topic + " " + question),
	})
	if err != nil {
		return err
	}
	streamText(safeEmitter(emit), output.Reply)
	return nil
}

func (r *Researcher) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	llmCtx := ctx
	if r.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, r.llmTimeout)
		defer cancel()
	}
	output, err := r.llmClient.Generate(llmCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if xerrors.CodeOf(err) != xerrors.CodeUnknown {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "大模型推理失败")
	}
	if output == nil || strings.TrimSpace(output.Reply) == "" {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "大模型返回空内容")
	}
	return output, nil
}

func (r *Researcher) render(req job.Request, topic string, output *llm.Response, cards []llm.KnowledgeCard) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research report: %s\n\n", topic)
	b.WriteString(strings.TrimSpace(output.Reply))
	b.WriteString("\n")
	if len(cards) > 0 {
		b.WriteString("\n## Sources\n\n")
		for _, card := range cards {
			fmt.Fprintf(&b, "- %s\n", card.Title)
		}
	}
	fmt.Fprintf(&b, "\n---\nsession %s · job %s · generated %s\n", req.SessionID, req.JobID, r.now().UTC().Format(time.RFC3339))
	return b.String()
}

// collectKnowledge 从笔记库中检索相关内容。
func (r *Researcher) collectKnowledge(topic string) []llm.KnowledgeCard {
	if r.knowledge == nil {
		return nil
	}
	snippets := r.knowledge.Query(topic)
	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, snippet := range snippets {
		if strings.TrimSpace(snippet.Title) == "" && strings.TrimSpace(snippet.Content) == "" {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
	}
	return cards
}

// streamText 按行推送正文，保留换行。
func streamText(emit job.Emitter, text string) {
	for len(text) > 0 {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			emit(job.Event{Type: job.EventDelta, Text: text})
			return
		}
		emit(job.Event{Type: job.EventDelta, Text: text[:idx+1]})
		text = text[idx+1:]
	}
}

func safeEmitter(emit job.Emitter) job.Emitter {
	if emit == nil {
		return func(job.Event) {}
	}
	return emit
}

var (
	_ job.Executor = (*Researcher)(nil)
	_ job.Replier  = (*Researcher)(nil)
)
