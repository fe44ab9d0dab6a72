package payment

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"OpenClaw-Gateway/internal/config"
)

// Pricing 是代理对外报价。
type Pricing struct {
	Amount    *big.Int
	Token     string
	Decimals  int32
	Recipient string
	TTL       time.Duration
}

// PricingFromConfig 从配置构造报价，recipient 为空时使用 fallback。
func PricingFromConfig(cfg config.PaymentConfig, ttl time.Duration, fallback string) (Pricing, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return Pricing{}, fmt.Errorf("invalid payment amount %q", cfg.Amount)
	}
	recipient := strings.TrimSpace(cfg.Recipient)
	if recipient == "" {
		recipient = fallback
	}
	if recipient == "" {
		return Pricing{}, fmt.Errorf("payment recipient is not configured")
	}
	return Pricing{
		Amount:    amount,
		Token:     strings.ToUpper(strings.TrimSpace(cfg.Token)),
		Decimals:  cfg.Decimals,
		Recipient: recipient,
		TTL:       ttl,
	}, nil
}

// Display 返回人类可读的金额，例如 "0.5 USDC"。
func (p Pricing) Display() string {
	if p.Amount == nil {
		return ""
	}
	return decimal.NewFromBigInt(p.Amount, -p.Decimals).String() + " " + p.Token
}

// Quote 为会话签发付款要求，会话 id 作为交易备注引用。
func Quote(p Pricing, sessionID string, now time.Time) Requirement {
	req := Requirement{
		Amount:    new(big.Int).Set(p.Amount),
		Token:     p.Token,
		Recipient: p.Recipient,
		Reference: sessionID,
	}
	if p.TTL > 0 {
		req.ExpiresAt = now.Add(p.TTL).UTC()
	}
	return req
}
