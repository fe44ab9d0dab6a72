package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"OpenClaw-Gateway/internal/session"
)

// SessionStore 以 JSON 保存会话，并用两个有序集合分别索引付款截止时间与进入终态的时间。
type SessionStore struct {
	client goredis.UniversalClient
	keys   keyspace
}

// NewSessionStore 构造会话存储。
func NewSessionStore(client goredis.UniversalClient, prefix string) *SessionStore {
	return &SessionStore{client: client, keys: newKeyspace(prefix)}
}

var _ session.Store = (*SessionStore)(nil)

func (s *SessionStore) sessionKey(id string) string { return s.keys.key("session", id) }
func (s *SessionStore) jobKey(jobID string) string  { return s.keys.key("session-job", jobID) }
func (s *SessionStore) expiryKey() string           { return s.keys.key("sessions", "expiry") }
func (s *SessionStore) terminalKey() string         { return s.keys.key("sessions", "terminal") }

// Create 实现 session.Store。
func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return storageError(err, "序列化会话失败")
	}
	ok, err := s.client.SetNX(ctx, s.sessionKey(sess.ID), payload, 0).Result()
	if err != nil {
		return storageError(err, "写入会话失败")
	}
	if !ok {
		return session.ErrConflict
	}
	return s.index(ctx, sess)
}

// Get 实现 session.Store。
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	payload, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, goredis.Nil) {
			return nil, session.ErrNotFound
		}
		return nil, storageError(err, "读取会话失败")
	}
	var sess session.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, storageError(err, "解析会话失败")
	}
	return &sess, nil
}

// Update 实现 session.Store。
func (s *SessionStore) Update(ctx context.Context, sess *session.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return storageError(err, "序列化会话失败")
	}
	ok, err := s.client.SetXX(ctx, s.sessionKey(sess.ID), payload, 0).Result()
	if err != nil {
		return storageError(err, "更新会话失败")
	}
	if !ok {
		return session.ErrNotFound
	}
	return s.index(ctx, sess)
}

// compareAndSet 仅当已存储会话的 state 字段等于 ARGV[1] 时写入 ARGV[2]。
// 返回 1 表示写入，0 表示状态不符，-1 表示会话不存在。
var compareAndSet = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return -1
end
if cjson.decode(current)['state'] ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// UpdateIf 实现 session.Store，比较与写入在同一个脚本内原子执行。
func (s *SessionStore) UpdateIf(ctx context.Context, sess *session.Session, expect session.State) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return storageError(err, "序列化会话失败")
	}
	res, err := compareAndSet.Run(ctx, s.client, []string{s.sessionKey(sess.ID)}, string(expect), payload).Int()
	if err != nil {
		return storageError(err, "条件更新会话失败")
	}
	switch res {
	case -1:
		return session.ErrNotFound
	case 0:
		return session.ErrStale
	}
	return s.index(ctx, sess)
}

func (s *SessionStore) index(ctx context.Context, sess *session.Session) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if sess.JobID != "" {
			pipe.Set(ctx, s.jobKey(sess.JobID), sess.ID, 0)
		}
		if sess.State == session.StateAwaitingPayment && !sess.ExpiresAt().IsZero() {
			pipe.ZAdd(ctx, s.expiryKey(), goredis.Z{Score: float64(sess.ExpiresAt().UnixMilli()), Member: sess.ID})
		} else {
			pipe.ZRem(ctx, s.expiryKey(), sess.ID)
		}
		if sess.State.Terminal() {
			pipe.ZAdd(ctx, s.terminalKey(), goredis.Z{Score: float64(sess.UpdatedAt.UnixMilli()), Member: sess.ID})
		}
		return nil
	})
	if err != nil {
		return storageError(err, "更新会话索引失败")
	}
	return nil
}

// FindByJob 实现 session.Store。
func (s *SessionStore) FindByJob(ctx context.Context, jobID string) (*session.Session, error) {
	if jobID == "" {
		return nil, session.ErrNotFound
	}
	id, err := s.client.Get(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		if stdErrors.Is(err, goredis.Nil) {
			return nil, session.ErrNotFound
		}
		return nil, storageError(err, "查询任务索引失败")
	}
	return s.Get(ctx, id)
}

// ListExpired 实现 session.Store。索引中残留的已删除会话会被顺带清理。
func (s *SessionStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storageError(err, "查询过期会话失败")
	}
	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if stdErrors.Is(err, session.ErrNotFound) {
			s.client.ZRem(ctx, s.expiryKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.State != session.StateAwaitingPayment {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// Purge 实现 session.Store。
func (s *SessionStore) Purge(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.terminalKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, storageError(err, "查询终态会话失败")
	}
	purged := 0
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil && !stdErrors.Is(err, session.ErrNotFound) {
			return purged, err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, s.sessionKey(id))
			pipe.ZRem(ctx, s.terminalKey(), id)
			pipe.ZRem(ctx, s.expiryKey(), id)
			if sess != nil && sess.JobID != "" {
				pipe.Del(ctx, s.jobKey(sess.JobID))
			}
			return nil
		})
		if err != nil {
			return purged, storageError(err, "删除会话失败")
		}
		if sess != nil {
			purged++
		}
	}
	return purged, nil
}

// Close 由持有客户端的一方负责关闭连接。
func (s *SessionStore) Close() error {
	return nil
}
