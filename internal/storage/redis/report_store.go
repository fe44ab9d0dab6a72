package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/report"
)

// ReportStore 把报告保存为带过期时间的 JSON 值。
type ReportStore struct {
	client goredis.UniversalClient
	keys   keyspace
	ttl    time.Duration
}

// NewReportStore 构造报告存储，ttl 为 0 表示永不过期。
func NewReportStore(client goredis.UniversalClient, prefix string, ttl time.Duration) *ReportStore {
	return &ReportStore{client: client, keys: newKeyspace(prefix), ttl: ttl}
}

var _ report.Store = (*ReportStore)(nil)

// Put 实现 report.Store。
func (r *ReportStore) Put(ctx context.Context, a report.Artifact) error {
	if a.Key == "" {
		return xerrors.New(xerrors.CodeValidation, "报告键不能为空")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return storageError(err, "序列化报告失败")
	}
	if err := r.client.Set(ctx, r.keys.key("report", a.Key), payload, r.ttl).Err(); err != nil {
		return storageError(err, "写入报告失败")
	}
	return nil
}

// Get 实现 report.Store。
func (r *ReportStore) Get(ctx context.Context, key string) (report.Artifact, error) {
	payload, err := r.client.Get(ctx, r.keys.key("report", key)).Bytes()
	if err != nil {
		if stdErrors.Is(err, goredis.Nil) {
			return report.Artifact{}, report.ErrNotFound(key)
		}
		return report.Artifact{}, storageError(err, "读取报告失败")
	}
	var a report.Artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return report.Artifact{}, storageError(err, "解析报告失败")
	}
	return a, nil
}

// Delete 实现 report.Store。
func (r *ReportStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keys.key("report", key)).Err(); err != nil {
		return storageError(err, "删除报告失败")
	}
	return nil
}
