package redis

import (
	"context"
	stdErrors "errors"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/payment"
)

// Claims 使用 SETNX 登记交易归属。
type Claims struct {
	client goredis.UniversalClient
	keys   keyspace
}

// NewClaims 构造交易占用登记表。
func NewClaims(client goredis.UniversalClient, prefix string) *Claims {
	return &Claims{client: client, keys: newKeyspace(prefix)}
}

var _ payment.ClaimRegistry = (*Claims)(nil)

// Claim 实现 payment.ClaimRegistry。
func (c *Claims) Claim(ctx context.Context, txRef, sessionID string) error {
	key := payment.NormalizeRef(txRef)
	if key == "" || strings.TrimSpace(sessionID) == "" {
		return xerrors.New(xerrors.CodeValidation, "txRef 与 sessionID 均不能为空")
	}
	ok, err := c.client.SetNX(ctx, c.keys.key("claim", key), sessionID, 0).Result()
	if err != nil {
		return storageError(err, "登记付款交易失败")
	}
	if ok {
		return nil
	}
	owner, _, err := c.Owner(ctx, key)
	if err != nil {
		return err
	}
	if owner == sessionID {
		return nil
	}
	return payment.ConflictError(key, owner, sessionID)
}

// Owner 实现 payment.ClaimRegistry。
func (c *Claims) Owner(ctx context.Context, txRef string) (string, bool, error) {
	owner, err := c.client.Get(ctx, c.keys.key("claim", payment.NormalizeRef(txRef))).Result()
	if err != nil {
		if stdErrors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, storageError(err, "查询付款交易失败")
	}
	return owner, true, nil
}
