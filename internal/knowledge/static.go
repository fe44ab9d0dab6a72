package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Provider 定义研究笔记检索的通用接口。
type Provider interface {
	Query(topic string) []Snippet
}

// Snippet 描述可供报告引用的一段笔记。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// StaticProvider 通过加载 JSON 文件提供静态笔记检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态笔记库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载笔记条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("笔记文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析笔记路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取笔记文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析笔记文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 按主题匹配笔记。关键词命中优先于标签命中，同分时保持文件顺序。
func (p *StaticProvider) Query(topic string) []Snippet {
	if p == nil {
		return nil
	}
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic == "" {
		return nil
	}

	type scored struct {
		snippet Snippet
		score   int
	}
	var hits []scored
	for _, item := range p.items {
		if s := score(item, topic); s > 0 {
			hits = append(hits, scored{snippet: item, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	results := make([]Snippet, 0, p.maxResults)
	for _, hit := range hits {
		results = append(results, hit.snippet)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func score(snippet Snippet, topic string) int {
	total := 0
	for _, keyword := range snippet.Keywords {
		if normalized := strings.ToLower(strings.TrimSpace(keyword)); normalized != "" && strings.Contains(topic, normalized) {
			total += 2
		}
	}
	for _, tag := range snippet.Tags {
		if normalized := strings.ToLower(strings.TrimSpace(tag)); normalized != "" && strings.Contains(topic, normalized) {
			total++
		}
	}
	return total
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
