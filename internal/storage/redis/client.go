package redis

import (
	"context"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"OpenClaw-Gateway/internal/config"
	xerrors "OpenClaw-Gateway/internal/errors"
)

const defaultPrefix = "openclaw:"

// NewClient 根据配置建立 Redis 连接并确认可用。
func NewClient(ctx context.Context, cfg config.RedisConfig) (goredis.UniversalClient, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeFatalConfig, "Redis 地址不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 Redis")
	}
	return client, nil
}

type keyspace string

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return keyspace(prefix)
}

func (k keyspace) key(parts ...string) string {
	return string(k) + strings.Join(parts, ":")
}

func storageError(err error, msg string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}
