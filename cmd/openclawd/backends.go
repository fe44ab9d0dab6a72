package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"OpenClaw-Gateway/internal/config"
	"OpenClaw-Gateway/internal/job"
	"OpenClaw-Gateway/internal/payment"
	"OpenClaw-Gateway/internal/report"
	"OpenClaw-Gateway/internal/session"
	"OpenClaw-Gateway/internal/storage/mysql"
	redisstore "OpenClaw-Gateway/internal/storage/redis"
)

// backends 汇总按配置选出的存储与队列实现。
type backends struct {
	sessions session.Store
	claims   payment.ClaimRegistry
	jobStore job.Store
	queue    job.Queue
	reports  report.Store

	db    *sql.DB
	redis goredis.UniversalClient
}

func openBackends(ctx context.Context, cfg *config.Config) (b *backends, err error) {
	b = &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if cfg.Session.Store == "mysql" || cfg.Payment.ClaimStore == "mysql" || cfg.Jobs.Store == "mysql" {
		db, err := mysql.Open(ctx, mysql.ConfigFrom(cfg.Storage.MySQL))
		if err != nil {
			return b, err
		}
		b.db = db
	}
	if cfg.Session.Store == "redis" || cfg.Payment.ClaimStore == "redis" || cfg.Jobs.Queue == "redis" || cfg.Reports.Store == "redis" {
		client, err := redisstore.NewClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return b, err
		}
		b.redis = client
	}
	prefix := cfg.Storage.Redis.KeyPrefix

	switch cfg.Session.Store {
	case "memory":
		b.sessions = session.NewMemoryStore()
	case "mysql":
		b.sessions = mysql.NewSessionStore(b.db)
	case "redis":
		b.sessions = redisstore.NewSessionStore(b.redis, prefix)
	default:
		return b, fmt.Errorf("未知的会话存储: %s", cfg.Session.Store)
	}

	switch cfg.Payment.ClaimStore {
	case "memory":
		b.claims = payment.NewMemoryClaims()
	case "mysql":
		b.claims = mysql.NewClaimStore(b.db)
	case "redis":
		b.claims = redisstore.NewClaims(b.redis, prefix)
	default:
		return b, fmt.Errorf("未知的交易占用存储: %s", cfg.Payment.ClaimStore)
	}

	switch cfg.Jobs.Store {
	case "memory":
		b.jobStore = job.NewMemoryStore()
	case "mysql":
		b.jobStore = mysql.NewJobStore(b.db)
	default:
		return b, fmt.Errorf("未知的任务存储: %s", cfg.Jobs.Store)
	}

	switch cfg.Jobs.Queue {
	case "memory":
		b.queue = job.NewMemoryQueue(1024)
	case "redis":
		queue, err := job.NewRedisQueue(b.redis, job.RedisQueueConfig{
			Queue:     queueKey(prefix, cfg.Jobs.Redis.Queue),
			BlockWait: time.Duration(cfg.Jobs.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return b, err
		}
		b.queue = queue
	case "rabbitmq":
		queue, err := job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        cfg.Jobs.RabbitMQ.URL,
			Queue:      cfg.Jobs.RabbitMQ.Queue,
			Prefetch:   cfg.Jobs.RabbitMQ.Prefetch,
			Durable:    cfg.Jobs.RabbitMQ.Durable,
			AutoDelete: cfg.Jobs.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return b, err
		}
		b.queue = queue
	default:
		return b, fmt.Errorf("未知的队列驱动: %s", cfg.Jobs.Queue)
	}

	switch cfg.Reports.Store {
	case "memory":
		b.reports = report.NewMemoryStore()
	case "file":
		if err := os.MkdirAll(filepath.Clean(cfg.Reports.Dir), 0o755); err != nil {
			return b, err
		}
		store, err := report.NewFileStore(cfg.Reports.Dir)
		if err != nil {
			return b, err
		}
		b.reports = store
	case "redis":
		b.reports = redisstore.NewReportStore(b.redis, prefix, cfg.Session.Retention())
	default:
		return b, fmt.Errorf("未知的报告存储: %s", cfg.Reports.Store)
	}
	return b, nil
}

// Close 按打开顺序的逆序释放资源。
func (b *backends) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.queue != nil {
		errs = append(errs, b.queue.Close())
	}
	if b.jobStore != nil {
		errs = append(errs, b.jobStore.Close())
	}
	if b.sessions != nil {
		errs = append(errs, b.sessions.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}

func queueKey(prefix, name string) string {
	if name == "" {
		name = "jobs"
	}
	return prefix + name
}
