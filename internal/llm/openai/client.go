package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	maxNotes         = 5
	maxNoteRunes     = 240
)

// Config 描述调用 Chat Completions 兼容接口所需的信息。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// Client 通过 Chat Completions 接口生成报告正文。
type Client struct {
	apiKey     string
	endpoint   string
	model      string
	maxTokens  int
	httpClient *http.Client
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type completionRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// reportOutput 是模型按约定返回的 JSON 结构。
type reportOutput struct {
	Thought string `json:"thought"`
	Reply   string `json:"reply"`
}

// NewClient 根据配置创建客户端，BaseURL 可指向任意兼容服务。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeFatalConfig, "未提供大模型 API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		endpoint:   baseURL + "/chat/completions",
		model:      model,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Generate 请求一次补全并解析为报告或追问回答。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(completionRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(req)},
		},
		Temperature:    0.2,
		MaxTokens:      c.maxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("序列化补全请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建补全请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "请求大模型服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode, body)
	}

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "解析补全响应失败")
	}
	if decoded.Error != nil {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "大模型返回错误: "+decoded.Error.Message, xerrors.WithRetryable(false))
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "补全响应缺少 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "补全内容为空")
	}
	return parseOutput(content), nil
}

// statusError 把 HTTP 状态映射为错误码：限流与 5xx 可重试，其余视为请求被拒绝。
func statusError(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	var envelope struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
		detail = envelope.Error.Message
	}
	cause := fmt.Errorf("status %d: %s", status, detail)
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return xerrors.Wrap(xerrors.CodeUnavailable, cause, "大模型服务暂不可用")
	}
	return xerrors.Wrap(xerrors.CodeExecutorFailure, cause, "大模型拒绝请求", xerrors.WithRetryable(false))
}

// parseOutput 兼容模型未遵守 JSON 约定、直接返回 markdown 的情况。
func parseOutput(content string) *llm.Response {
	var out reportOutput
	if err := json.Unmarshal([]byte(content), &out); err != nil || strings.TrimSpace(out.Reply) == "" {
		return &llm.Response{Reply: content}
	}
	return &llm.Response{Thought: out.Thought, Reply: strings.TrimSpace(out.Reply)}
}

const systemPrompt = "" +
	"You are OpenClaw's research analyst. " +
	"Always respond with a compact JSON object: {\"thought\": string, \"reply\": string}. " +
	"Write the reply in GitHub-flavoured markdown and summarise your reasoning in \"thought\"."

func userPrompt(req llm.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Topic\n%s\n", strings.TrimSpace(req.Topic))

	if len(req.Knowledge) > 0 {
		b.WriteString("\n## Notes\n")
		for i, card := range req.Knowledge {
			if i == maxNotes {
				break
			}
			fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, strings.TrimSpace(card.Title), clip(card.Content))
		}
	}

	if question := strings.TrimSpace(req.Question); question != "" {
		fmt.Fprintf(&b, "\n## Follow-up question\n%s\n\nAnswer the question briefly, grounded in the topic and notes.", question)
		return b.String()
	}
	b.WriteString("\nProduce a research report with Summary, Findings and Next steps sections.")
	return b.String()
}

func clip(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > maxNoteRunes {
		return string(runes[:maxNoteRunes]) + "..."
	}
	return string(runes)
}
