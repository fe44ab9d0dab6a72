package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/ledger"
	"OpenClaw-Gateway/pkg/logger"
)

// Overpayment 决定超额付款是否被接受。
type Overpayment string

const (
	OverpaymentAllow Overpayment = "allow"
	OverpaymentExact Overpayment = "exact"
)

// Verifier 依据账本记录判断交易是否满足付款要求。
type Verifier struct {
	ledger           ledger.Client
	minConfirmations uint64
	overpayment      Overpayment
	requireMemo      bool
	observe          func(Kind)
	logger           *slog.Logger
}

// Option 配置 Verifier。
type Option func(*Verifier)

// WithMinConfirmations 设置视为最终确认所需的区块确认数。
func WithMinConfirmations(n uint64) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.minConfirmations = n
		}
	}
}

// WithOverpayment 设置超额付款策略。
func WithOverpayment(policy Overpayment) Option {
	return func(v *Verifier) {
		if policy != "" {
			v.overpayment = policy
		}
	}
}

// WithRequireMemo 控制是否要求交易备注与会话引用一致。
func WithRequireMemo(required bool) Option {
	return func(v *Verifier) {
		v.requireMemo = required
	}
}

// WithObserver 在每次得出结论后回调，通常用于指标统计。
func WithObserver(fn func(Kind)) Option {
	return func(v *Verifier) {
		v.observe = fn
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewVerifier 创建校验器。默认 1 个确认、允许超额、要求备注匹配。
func NewVerifier(client ledger.Client, opts ...Option) *Verifier {
	v := &Verifier{
		ledger:           client,
		minConfirmations: 1,
		overpayment:      OverpaymentAllow,
		requireMemo:      true,
		logger:           logger.Named("payment"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify 查询 txRef 并与 req 比对。账本的临时故障以错误返回，不会被当作 NotFound。
func (v *Verifier) Verify(ctx context.Context, req Requirement, txRef string) (Verdict, error) {
	if strings.TrimSpace(txRef) == "" {
		return Verdict{}, xerrors.New(xerrors.CodeValidation, "txHash 不能为空")
	}
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return Verdict{}, xerrors.New(xerrors.CodeValidation, "付款要求缺少金额")
	}

	rec, err := v.ledger.Transaction(ctx, strings.TrimSpace(txRef))
	if err != nil {
		if ledger.IsNotFound(err) {
			return v.conclude(Verdict{Kind: NotFound, Detail: "ledger has no such transaction"}), nil
		}
		return Verdict{}, err
	}
	return v.conclude(v.match(req, rec)), nil
}

func (v *Verifier) match(req Requirement, rec *ledger.TxRecord) Verdict {
	verdict := Verdict{Tx: rec}
	switch {
	case !sameAddress(rec.To, req.Recipient):
		verdict.Kind, verdict.Detail = NotFound, "recipient mismatch"
	case v.requireMemo && !bytes.Equal(bytes.TrimSpace(rec.Memo), []byte(strings.TrimSpace(req.Reference))):
		verdict.Kind, verdict.Detail = NotFound, "reference mismatch"
	case !strings.EqualFold(rec.Token, req.Token):
		verdict.Kind, verdict.Detail = InsufficientAmount, fmt.Sprintf("paid in %s, want %s", rec.Token, req.Token)
	case rec.Amount == nil || rec.Amount.Cmp(req.Amount) < 0:
		verdict.Kind, verdict.Detail = InsufficientAmount, fmt.Sprintf("paid %s, want %s", amountString(rec), req.Amount)
	case v.overpayment == OverpaymentExact && rec.Amount.Cmp(req.Amount) != 0:
		verdict.Kind, verdict.Detail = InsufficientAmount, fmt.Sprintf("paid %s, want exactly %s", rec.Amount, req.Amount)
	case !rec.Final() || rec.Confirmations < v.minConfirmations:
		verdict.Kind, verdict.Detail = NotYetFinal, fmt.Sprintf("%d/%d confirmations", rec.Confirmations, v.minConfirmations)
	case rec.Status == ledger.StatusFailed:
		verdict.Kind, verdict.Detail = NotFound, "transaction reverted: "+rec.Reason
	default:
		verdict.Kind = Confirmed
		verdict.AmountPaid = rec.Amount
	}
	return verdict
}

func (v *Verifier) conclude(verdict Verdict) Verdict {
	if v.observe != nil {
		v.observe(verdict.Kind)
	}
	attrs := []any{slog.String("verdict", string(verdict.Kind))}
	if verdict.Tx != nil {
		attrs = append(attrs, slog.String("tx_hash", verdict.Tx.Hash))
	}
	if verdict.Detail != "" {
		attrs = append(attrs, slog.String("detail", verdict.Detail))
	}
	v.logger.Debug("付款校验完成", attrs...)
	return verdict
}

var errNotYetFinal = errors.New("payment not yet final")

// AwaitFinal 在结论为 NotYetFinal 时按策略重试，返回最后一次结论。
//
// 其他结论立即返回；账本错误按策略分类，耗尽后返回错误。
func (v *Verifier) AwaitFinal(ctx context.Context, req Requirement, txRef string, policy ledger.Policy) (Verdict, error) {
	classify := policy.Retryable
	if classify == nil {
		classify = xerrors.RetryableError
	}
	policy.Retryable = func(err error) bool {
		return errors.Is(err, errNotYetFinal) || classify(err)
	}

	var last Verdict
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		verdict, err := v.Verify(ctx, req, txRef)
		if err != nil {
			return err
		}
		last = verdict
		if verdict.Kind == NotYetFinal {
			return errNotYetFinal
		}
		return nil
	})
	if err != nil && last.Kind == NotYetFinal && errors.Is(err, errNotYetFinal) {
		return last, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	return last, nil
}

func sameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return common.HexToAddress(a) == common.HexToAddress(b)
	}
	return a != "" && strings.EqualFold(a, b)
}

func amountString(rec *ledger.TxRecord) string {
	if rec.Amount == nil {
		return "0"
	}
	return rec.Amount.String()
}
