package payment

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/ledger"
	"OpenClaw-Gateway/internal/ledger/simulator"
	"OpenClaw-Gateway/pkg/logger"
)

const (
	payer    = "0x00000000000000000000000000000000000a11ce"
	merchant = "0x0000000000000000000000000000000000000b0b"
	stranger = "0x000000000000000000000000000000000000dead"
)

type fixture struct {
	ctx   context.Context
	chain *simulator.Chain
	req   Requirement
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	chain := simulator.New(simulator.WithLogger(logger.Discard()))
	if err := chain.Fund(ctx, payer, "USDC", big.NewInt(10_000_000)); err != nil {
		t.Fatalf("fund usdc: %v", err)
	}
	if err := chain.Fund(ctx, payer, "", big.NewInt(10_000_000)); err != nil {
		t.Fatalf("fund native: %v", err)
	}
	return &fixture{
		ctx:   ctx,
		chain: chain,
		req:   Requirement{Amount: big.NewInt(500_000), Token: "USDC", Recipient: merchant, Reference: "session-1"},
	}
}

func (f *fixture) pay(t *testing.T, to, token string, amount int64, memo string) string {
	t.Helper()
	hash, err := f.chain.Transfer(f.ctx, ledger.TransferRequest{From: payer, To: to, Token: token, Amount: big.NewInt(amount), Memo: []byte(memo)})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	return hash
}

func (f *fixture) mine(t *testing.T, n int) {
	t.Helper()
	if _, err := f.chain.GenerateBlocks(f.ctx, n); err != nil {
		t.Fatalf("generate blocks: %v", err)
	}
}

func newTestVerifier(client ledger.Client, opts ...Option) *Verifier {
	return NewVerifier(client, append([]Option{WithLogger(logger.Discard())}, opts...)...)
}

func TestVerifyConfirmsAfterInclusion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var seen []Kind
	v := newTestVerifier(f.chain, WithObserver(func(k Kind) { seen = append(seen, k) }))

	hash := f.pay(t, merchant, "USDC", 500_000, "session-1")
	verdict, err := v.Verify(f.ctx, f.req, hash)
	if err != nil {
		t.Fatalf("verify pending: %v", err)
	}
	if verdict.Kind != NotYetFinal {
		t.Fatalf("expected not yet final, got %s", verdict)
	}

	f.mine(t, 1)
	verdict, err = v.Verify(f.ctx, f.req, hash)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verdict.Confirmed() || verdict.AmountPaid.Int64() != 500_000 {
		t.Fatalf("expected confirmed 500000, got %s paid=%v", verdict, verdict.AmountPaid)
	}
	if len(seen) != 2 || seen[0] != NotYetFinal || seen[1] != Confirmed {
		t.Fatalf("unexpected observed verdicts %v", seen)
	}
}

func TestVerifyVerdicts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		to    string
		token string
		paid  int64
		memo  string
		opts  []Option
		want  Kind
	}{
		{name: "exact payment", to: merchant, token: "USDC", paid: 500_000, memo: "session-1", want: Confirmed},
		{name: "overpayment allowed", to: merchant, token: "USDC", paid: 600_000, memo: "session-1", want: Confirmed},
		{name: "overpayment rejected when exact", to: merchant, token: "USDC", paid: 600_000, memo: "session-1", opts: []Option{WithOverpayment(OverpaymentExact)}, want: InsufficientAmount},
		{name: "underpayment", to: merchant, token: "USDC", paid: 499_999, memo: "session-1", want: InsufficientAmount},
		{name: "wrong token", to: merchant, token: "", paid: 500_000, memo: "session-1", want: InsufficientAmount},
		{name: "wrong recipient", to: stranger, token: "USDC", paid: 500_000, memo: "session-1", want: NotFound},
		{name: "wrong reference", to: merchant, token: "USDC", paid: 500_000, memo: "session-2", want: NotFound},
		{name: "reference ignored", to: merchant, token: "USDC", paid: 500_000, memo: "session-2", opts: []Option{WithRequireMemo(false)}, want: Confirmed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			hash := f.pay(t, tc.to, tc.token, tc.paid, tc.memo)
			f.mine(t, 1)

			verdict, err := newTestVerifier(f.chain, tc.opts...).Verify(f.ctx, f.req, hash)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if verdict.Kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, verdict)
			}
		})
	}
}

func TestVerifyRevertedTransferIsNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	hash := f.pay(t, merchant, "USDC", 500_000_000, "session-1")
	f.mine(t, 1)
	req := f.req
	req.Amount = big.NewInt(500_000_000)

	verdict, err := newTestVerifier(f.chain).Verify(f.ctx, req, hash)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verdict.Kind != NotFound {
		t.Fatalf("expected not found for reverted transfer, got %s", verdict)
	}
}

func TestVerifyUnknownAndMissingReference(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	v := newTestVerifier(f.chain)

	verdict, err := v.Verify(f.ctx, f.req, "fake-tx")
	if err != nil {
		t.Fatalf("verify unknown: %v", err)
	}
	if verdict.Kind != NotFound {
		t.Fatalf("expected not found, got %s", verdict)
	}

	if _, err := v.Verify(f.ctx, f.req, "  "); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestVerifyPropagatesLedgerFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	hash := f.pay(t, merchant, "USDC", 500_000, "session-1")
	f.mine(t, 1)
	f.chain.FailNext(simulator.OpTransaction, 1, ledger.Unavailable(errors.New("connection reset"), "query failed"))

	_, err := newTestVerifier(f.chain).Verify(f.ctx, f.req, hash)
	if xerrors.CodeOf(err) != ledger.CodeUnavailable {
		t.Fatalf("expected ledger unavailable, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable error")
	}
}

func TestAwaitFinalWaitsForConfirmations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	hash := f.pay(t, merchant, "USDC", 500_000, "session-1")

	sleeps := 0
	policy := ledger.FixedPolicy(5, time.Second)
	policy.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		_, err := f.chain.GenerateBlocks(ctx, 1)
		return err
	}

	verdict, err := newTestVerifier(f.chain, WithMinConfirmations(2)).AwaitFinal(f.ctx, f.req, hash, policy)
	if err != nil {
		t.Fatalf("await final: %v", err)
	}
	if !verdict.Confirmed() {
		t.Fatalf("expected confirmed, got %s", verdict)
	}
	if sleeps != 2 {
		t.Fatalf("expected 2 waits, got %d", sleeps)
	}
}

func TestAwaitFinalReturnsPendingWhenBudgetExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	hash := f.pay(t, merchant, "USDC", 500_000, "session-1")

	policy := ledger.FixedPolicy(3, time.Second)
	policy.Sleep = func(context.Context, time.Duration) error { return nil }

	verdict, err := newTestVerifier(f.chain).AwaitFinal(f.ctx, f.req, hash, policy)
	if err != nil {
		t.Fatalf("await final: %v", err)
	}
	if verdict.Kind != NotYetFinal {
		t.Fatalf("expected not yet final, got %s", verdict)
	}
}

func TestAwaitFinalStopsOnTerminalVerdict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	calls := 0
	policy := ledger.FixedPolicy(5, time.Second)
	policy.Sleep = func(context.Context, time.Duration) error {
		calls++
		return nil
	}
	verdict, err := newTestVerifier(f.chain).AwaitFinal(f.ctx, f.req, "0xdeadbeef", policy)
	if err != nil {
		t.Fatalf("await final: %v", err)
	}
	if verdict.Kind != NotFound || calls != 0 {
		t.Fatalf("expected immediate not found, got %s after %d waits", verdict, calls)
	}
}

func TestMemoryClaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	claims := NewMemoryClaims()

	if err := claims.Claim(ctx, "0xABC", "s1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := claims.Claim(ctx, "0xabc", "s1"); err != nil {
		t.Fatalf("re-claim by owner should be idempotent: %v", err)
	}
	err := claims.Claim(ctx, "0xabc", "s2")
	if xerrors.CodeOf(err) != CodeAlreadyClaimed || xerrors.HTTPStatusOf(err) != 409 {
		t.Fatalf("expected already claimed conflict, got %v", err)
	}
	owner, ok, err := claims.Owner(ctx, " 0xAbC ")
	if err != nil || !ok || owner != "s1" {
		t.Fatalf("unexpected owner %q ok=%v err=%v", owner, ok, err)
	}
	if err := claims.Claim(ctx, "", "s1"); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestQuote(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pricing := Pricing{Amount: big.NewInt(500_000), Token: "USDC", Decimals: 6, Recipient: merchant, TTL: 15 * time.Minute}

	if got := pricing.Display(); got != "0.5 USDC" {
		t.Fatalf("unexpected display %q", got)
	}

	req := Quote(pricing, "session-9", now)
	if req.Reference != "session-9" || req.Recipient != merchant || req.Token != "USDC" {
		t.Fatalf("unexpected requirement %+v", req)
	}
	if !req.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", req.ExpiresAt)
	}
	if req.Expired(now) || !req.Expired(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry evaluation")
	}

	req.Amount.SetInt64(1)
	if pricing.Amount.Int64() != 500_000 {
		t.Fatalf("quote must not alias pricing amount")
	}

	raw, err := json.Marshal(Quote(pricing, "session-9", now))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	if wire["amount"] != "500000" || wire["token"] != "USDC" {
		t.Fatalf("unexpected wire shape %s", raw)
	}
	var back Requirement
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Amount.Int64() != 500_000 || !back.ExpiresAt.Equal(req.ExpiresAt) {
		t.Fatalf("unexpected decoded requirement %+v", back)
	}
}
