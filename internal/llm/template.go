package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Template 在没有外部模型时按固定版式生成报告，输出只取决于输入。
type Template struct{}

// Generate 实现 Client。
func (Template) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, errors.New("报告主题为空")
	}

	var b strings.Builder
	if question := strings.TrimSpace(req.Question); question != "" {
		fmt.Fprintf(&b, "Regarding %q in the context of %s:\n\n", question, topic)
		if len(req.Knowledge) == 0 {
			b.WriteString("The report does not cover this directly. ")
			b.WriteString("Treat the findings above as the current baseline.\n")
		}
		for _, card := range req.Knowledge {
			fmt.Fprintf(&b, "- %s: %s\n", strings.TrimSpace(card.Title), strings.TrimSpace(card.Content))
		}
		return &Response{Thought: "follow-up answered from report notes", Reply: b.String()}, nil
	}

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "This report examines %s.\n\n", topic)
	b.WriteString("## Findings\n\n")
	if len(req.Knowledge) == 0 {
		fmt.Fprintf(&b, "1. No curated notes matched %q; findings are limited to the request itself.\n", topic)
	}
	for i, card := range req.Knowledge {
		fmt.Fprintf(&b, "%d. **%s**: %s\n", i+1, strings.TrimSpace(card.Title), strings.TrimSpace(card.Content))
	}
	b.WriteString("\n## Next steps\n\n")
	b.WriteString("Ask follow-up questions in this session to drill into any finding.\n")
	return &Response{
		Thought: fmt.Sprintf("template report with %d notes", len(req.Knowledge)),
		Reply:   b.String(),
	}, nil
}

var _ Client = Template{}
