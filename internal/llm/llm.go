package llm

import "context"

// Request 描述一次报告或追问的生成上下文。
type Request struct {
	Topic string
	// Question 为空时生成完整报告，否则回答针对报告的追问。
	Question  string
	Knowledge []KnowledgeCard
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
