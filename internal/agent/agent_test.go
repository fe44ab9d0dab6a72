package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/job"
	"OpenClaw-Gateway/internal/knowledge"
	"OpenClaw-Gateway/internal/llm"
	"OpenClaw-Gateway/pkg/logger"
)

type stubLLM struct {
	resp *llm.Response
	err  error
	wait time.Duration
	last llm.Request
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func collect(events *[]job.Event) job.Emitter {
	return func(ev job.Event) { *events = append(*events, ev) }
}

func fixedClock() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func TestExecuteProducesMarkdownReport(t *testing.T) {
	t.Parallel()
	notes := knowledge.NewStaticProvider([]knowledge.Snippet{{Title: "Market size", Content: "growing", Keywords: []string{"stablecoin"}}}, 3)
	stub := &stubLLM{resp: &llm.Response{Thought: "ok", Reply: "## Summary\nStablecoins grew."}}
	r := New(stub, WithKnowledgeProvider(notes), WithClock(fixedClock), WithLogger(logger.Discard()))

	var events []job.Event
	art, err := r.Execute(context.Background(), job.Request{JobID: "j1", SessionID: "s1", Prompt: "stablecoin market"}, collect(&events))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	body := string(art.Body)
	for _, want := range []string{"# Research report: stablecoin market", "Stablecoins grew.", "## Sources", "- Market size", "session s1 · job j1 · generated 2026-01-02T03:04:05Z"} {
		if !strings.Contains(body, want) {
			t.Fatalf("report missing %q:\n%s", want, body)
		}
	}
	if art.Name != "report-j1.md" || !strings.HasPrefix(art.ContentType, "text/markdown") || !art.CreatedAt.Equal(fixedClock()) {
		t.Fatalf("unexpected artifact metadata %+v", art)
	}
	if len(stub.last.Knowledge) != 1 {
		t.Fatalf("expected notes to reach the model, got %+v", stub.last)
	}

	var streamed strings.Builder
	for _, ev := range events {
		if ev.Terminal() {
			t.Fatalf("executor must not emit terminal events: %+v", ev)
		}
		if ev.Type == job.EventDelta {
			streamed.WriteString(ev.Text)
		}
	}
	if streamed.String() != body {
		t.Fatalf("streamed text differs from report:\n%q\n%q", streamed.String(), body)
	}
	if events[0].Type != job.EventProgress || events[len(events)-1].Percent != 100 {
		t.Fatalf("unexpected progress framing %+v", events)
	}
}

func TestExecuteWithTemplateGenerator(t *testing.T) {
	t.Parallel()
	r := New(nil, WithLogger(logger.Discard()))

	art, err := r.Execute(context.Background(), job.Request{JobID: "j", Prompt: "Research X"}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(string(art.Body), "This report examines Research X.") {
		t.Fatalf("unexpected report %s", art.Body)
	}
}

func TestExecuteErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if _, err := New(nil).Execute(ctx, job.Request{Prompt: " "}, nil); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	slow := New(&stubLLM{wait: 50 * time.Millisecond}, WithLLMTimeout(10*time.Millisecond), WithLogger(logger.Discard()))
	_, err := slow.Execute(ctx, job.Request{Prompt: "x"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) || xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}

	broken := New(&stubLLM{err: errors.New("boom")}, WithLogger(logger.Discard()))
	_, err = broken.Execute(ctx, job.Request{Prompt: "x"}, nil)
	if xerrors.CodeOf(err) != xerrors.CodeExecutorFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable executor failure, got %v", err)
	}

	empty := New(&stubLLM{resp: &llm.Response{}}, WithLogger(logger.Discard()))
	if _, err := empty.Execute(ctx, job.Request{Prompt: "x"}, nil); xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		t.Fatalf("expected empty reply to fail, got %v", err)
	}
}

func TestReplyStreamsAnswer(t *testing.T) {
	t.Parallel()
	stub := &stubLLM{resp: &llm.Response{Reply: "line one\nline two"}}
	r := New(stub, WithLogger(logger.Discard()))

	var events []job.Event
	if err := r.Reply(context.Background(), job.Request{Prompt: "topic", Message: "and fees?"}, collect(&events)); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if len(events) != 2 || events[0].Text != "line one\n" || events[1].Text != "line two" {
		t.Fatalf("unexpected events %+v", events)
	}
	if stub.last.Question != "and fees?" || stub.last.Topic != "topic" {
		t.Fatalf("unexpected request %+v", stub.last)
	}
	if err := r.Reply(context.Background(), job.Request{Prompt: "topic"}, nil); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
