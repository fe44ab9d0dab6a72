package job

import (
	"context"
	"sync"
	"time"
)

// EventType 是任务事件的类别。
type EventType string

const (
	EventProgress EventType = "progress"
	EventDelta    EventType = "delta"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event 是推送给客户端的一条任务事件。
type Event struct {
	Type        EventType `json:"type"`
	JobID       string    `json:"jobId,omitempty"`
	Seq         int       `json:"seq"`
	Message     string    `json:"message,omitempty"`
	Text        string    `json:"text,omitempty"`
	Percent     int       `json:"percent,omitempty"`
	Code        string    `json:"code,omitempty"`
	ArtifactKey string    `json:"artifactKey,omitempty"`
	At          time.Time `json:"at"`
}

// Terminal 报告事件是否结束事件流。
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Emitter 由执行器调用以推送中间结果。
type Emitter func(Event)

const subscriberBuffer = 64

// Hub 按任务分发事件，并为迟到的订阅者保留最近的事件。
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	replay int
	retain time.Duration
	now    func() time.Time
}

type topic struct {
	events   []Event
	subs     map[int]chan Event
	nextSub  int
	seq      int
	closed   bool
	closedAt time.Time
}

// NewHub 创建事件中心。replay 为每个任务保留的事件数，retain 为终止后保留时长。
func NewHub(replay int, retain time.Duration) *Hub {
	if replay <= 0 {
		replay = 256
	}
	if retain <= 0 {
		retain = 10 * time.Minute
	}
	return &Hub{topics: make(map[string]*topic), replay: replay, retain: retain, now: time.Now}
}

// Publish 发布事件。终止事件之后的发布会被忽略。
func (h *Hub) Publish(jobID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()

	t := h.topicLocked(jobID)
	if t.closed {
		return
	}
	t.seq++
	ev.JobID = jobID
	ev.Seq = t.seq
	if ev.At.IsZero() {
		ev.At = h.now().UTC()
	}
	t.events = append(t.events, ev)
	if len(t.events) > h.replay {
		t.events = append([]Event(nil), t.events[len(t.events)-h.replay:]...)
	}
	for id, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// 消费过慢的订阅者被断开，由读取方补发错误事件。
			close(ch)
			delete(t.subs, id)
		}
	}
	if ev.Terminal() {
		t.closed = true
		t.closedAt = h.now()
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
}

// Subscribe 返回已缓存的事件与后续事件通道。任务已终止时通道立即关闭。
func (h *Hub) Subscribe(jobID string) ([]Event, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(jobID)
	replay := append([]Event(nil), t.events...)
	ch := make(chan Event, subscriberBuffer)
	if t.closed {
		close(ch)
		return replay, ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if current, ok := t.subs[id]; ok {
				close(current)
				delete(t.subs, id)
			}
		})
	}
	return replay, ch, cancel
}

// Last 返回任务最近的终止事件。
func (h *Hub) Last(jobID string) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok || len(t.events) == 0 {
		return Event{}, false
	}
	last := t.events[len(t.events)-1]
	return last, last.Terminal()
}

func (h *Hub) topicLocked(jobID string) *topic {
	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		h.topics[jobID] = t
	}
	return t
}

func (h *Hub) pruneLocked() {
	cutoff := h.now().Add(-h.retain)
	for id, t := range h.topics {
		if t.closed && t.closedAt.Before(cutoff) {
			delete(h.topics, id)
		}
	}
}

// Bound 转发 in 中的事件，保证输出流在终止事件、超时或取消时结束。
//
// 超时输出 STREAM_TIMEOUT 错误事件；in 在终止事件之前关闭时输出中断错误事件。
func Bound(ctx context.Context, in <-chan Event, timeout time.Duration) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-expired:
				send(Event{Type: EventError, Code: string(CodeStreamTimeout), Message: "stream timed out", At: time.Now().UTC()})
				return
			case ev, ok := <-in:
				if !ok {
					send(Event{Type: EventError, Code: string(CodeProcessing), Message: "stream interrupted", At: time.Now().UTC()})
					return
				}
				if !send(ev) || ev.Terminal() {
					return
				}
			}
		}
	}()
	return out
}
