package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/ledger"
)

const simpleContractBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"

type harness struct {
	backend *simulated.Backend
	client  *Client
	from    common.Address
}

func newHarness(t *testing.T, tokens map[string]string) *harness {
	t.Helper()
	return newWrappedHarness(t, tokens, nil)
}

// newWrappedHarness 允许测试在模拟链外面包一层故障注入。
func newWrappedHarness(t *testing.T, tokens map[string]string, wrap func(Backend) Backend) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000_000_000_000))},
	})
	t.Cleanup(func() { _ = backend.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var chain Backend = backend.Client()
	if wrap != nil {
		chain = wrap(chain)
	}
	client, err := NewWithBackend(ctx, chain, Config{
		Name:      "simulated",
		SignerKey: hex.EncodeToString(crypto.FromECDSA(key)),
		Tokens:    tokens,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	return &harness{backend: backend, client: client, from: from}
}

func TestNativeTransferConfirmations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recipient := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	hash, err := h.client.Transfer(ctx, ledger.TransferRequest{
		To:     recipient.Hex(),
		Amount: big.NewInt(500_000),
		Memo:   []byte("session-1"),
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	rec, err := h.client.Transaction(ctx, hash)
	if err != nil {
		t.Fatalf("pending transaction: %v", err)
	}
	if rec.Status != ledger.StatusPending {
		t.Fatalf("expected pending before commit, got %s", rec.Status)
	}

	h.backend.Commit()
	h.backend.Commit()

	rec, err = h.client.Transaction(ctx, hash)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if rec.Status != ledger.StatusSuccess {
		t.Fatalf("expected success, got %+v", rec)
	}
	if rec.Confirmations != 2 {
		t.Fatalf("expected 2 confirmations, got %d", rec.Confirmations)
	}
	if rec.Token != "ETH" || rec.Amount.Int64() != 500_000 || string(rec.Memo) != "session-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.From != h.from.Hex() || rec.To != recipient.Hex() {
		t.Fatalf("unexpected parties from=%s to=%s", rec.From, rec.To)
	}

	info, err := h.client.ChainInfo(ctx)
	if err != nil {
		t.Fatalf("chain info: %v", err)
	}
	if info.Head != rec.Block+1 {
		t.Fatalf("unexpected head %d for block %d", info.Head, rec.Block)
	}
}

func TestTokenTransferDecodesCalldata(t *testing.T) {
	t.Parallel()
	token := common.HexToAddress("0x00000000000000000000000000000000000005dc")
	h := newHarness(t, map[string]string{"usdc": token.Hex()})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recipient := common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	hash, err := h.client.Transfer(ctx, ledger.TransferRequest{
		To:     recipient.Hex(),
		Token:  "USDC",
		Amount: big.NewInt(750_000),
		Memo:   []byte("session-2"),
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	h.backend.Commit()

	rec, err := h.client.Transaction(ctx, hash)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if rec.Token != "USDC" || rec.To != recipient.Hex() || rec.Amount.Int64() != 750_000 {
		t.Fatalf("unexpected token transfer view %+v", rec)
	}
	if string(rec.Memo) != "session-2" {
		t.Fatalf("unexpected memo %q", rec.Memo)
	}
	if rec.Value.Sign() != 0 {
		t.Fatalf("token transfers carry no native value, got %s", rec.Value)
	}

	if _, err := h.client.Transfer(ctx, ledger.TransferRequest{To: recipient.Hex(), Token: "DAI", Amount: big.NewInt(1)}); xerrors.CodeOf(err) != ledger.CodeRejected {
		t.Fatalf("expected unknown token to be rejected, got %v", err)
	}
}

func TestDeployAndRawSubmission(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deployed, err := h.client.Deploy(ctx, ledger.DeployRequest{Code: common.FromHex(simpleContractBin), GasLimit: 1_000_000})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if deployed.Address != crypto.CreateAddress(h.from, 0).Hex() {
		t.Fatalf("unexpected contract address %s", deployed.Address)
	}
	h.backend.Commit()
	rec, err := h.client.Transaction(ctx, deployed.TxHash)
	if err != nil {
		t.Fatalf("deploy transaction: %v", err)
	}
	if rec.Status != ledger.StatusSuccess {
		t.Fatalf("expected deployment to succeed, got %+v", rec)
	}

	if _, err := h.client.Deploy(ctx, ledger.DeployRequest{From: "0x0000000000000000000000000000000000000001", Code: []byte{1}}); xerrors.CodeOf(err) != ledger.CodeRejected {
		t.Fatalf("expected foreign sender to be rejected, got %v", err)
	}

	if _, err := h.client.SubmitRaw(ctx, []byte{0x01, 0x02}); xerrors.CodeOf(err) != ledger.CodeRejected {
		t.Fatalf("expected garbage raw tx to be rejected, got %v", err)
	}
}

func TestUnknownTransactionNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	// 新节点在交易索引完成前会返回瞬时错误，重试后才能得到确定的 NotFound。
	client := ledger.WithRetry(h.client, ledger.FixedPolicy(50, 20*time.Millisecond))

	for _, hash := range []string{common.Hash{0x42}.Hex(), "not-a-hash"} {
		if _, err := client.Transaction(ctx, hash); !ledger.IsNotFound(err) {
			t.Fatalf("%s: expected not found, got %v", hash, err)
		}
	}
}

func TestTransferCalldataRoundTrip(t *testing.T) {
	t.Parallel()
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	data, err := packTransfer(to, big.NewInt(12345), []byte("memo"))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if hex.EncodeToString(data[:4]) != "a9059cbb" {
		t.Fatalf("unexpected selector %x", data[:4])
	}
	gotTo, amount, memo, ok := unpackTransfer(data)
	if !ok || gotTo != to || amount.Int64() != 12345 || string(memo) != "memo" {
		t.Fatalf("unexpected decode to=%s amount=%v memo=%q ok=%v", gotTo.Hex(), amount, memo, ok)
	}
	if _, _, _, ok := unpackTransfer(data[:10]); ok {
		t.Fatal("short calldata must not decode")
	}
}

type rpcFault struct {
	code    int
	message string
}

func (e rpcFault) Error() string  { return e.message }
func (e rpcFault) ErrorCode() int { return e.code }

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want xerrors.Code
	}{
		{"indexing", rpcFault{-32000, "transaction indexing is in progress"}, ledger.CodeUnavailable},
		{"header", rpcFault{-32000, "header not found"}, ledger.CodeUnavailable},
		{"rate limit", rpcFault{-32005, "request limit exceeded"}, ledger.CodeUnavailable},
		{"nonce", rpcFault{-32000, "nonce too low"}, ledger.CodeRejected},
		{"revert", rpcFault{3, "execution reverted: only owner"}, ledger.CodeRejected},
		{"invalid params", rpcFault{-32602, "invalid argument 0: hex string has length 3"}, ledger.CodeRejected},
		{"method", rpcFault{-32601, "the method eth_foo does not exist"}, ledger.CodeRejected},
		{"network", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), ledger.CodeUnavailable},
		{"timeout", context.DeadlineExceeded, ledger.CodeUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := classify(tc.err, "call")
			if got := xerrors.CodeOf(err); got != tc.want {
				t.Fatalf("classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
			if want := tc.want == ledger.CodeUnavailable; xerrors.RetryableError(err) != want {
				t.Fatalf("classify(%v) retryable=%v, want %v", tc.err, !want, want)
			}
		})
	}
	if err := classify(context.Canceled, "call"); !errors.Is(err, context.Canceled) || xerrors.CodeOf(err) != xerrors.CodeUnknown {
		t.Fatalf("cancellation must pass through, got %v", err)
	}
}

// lossyBackend 让发送在节点收录交易后（或之前）报告超时。
type lossyBackend struct {
	Backend
	mu       sync.Mutex
	sends    int
	deliver  bool
	failures int
	lookup   error
}

func (b *lossyBackend) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	b.mu.Lock()
	b.sends++
	fail := b.sends <= b.failures
	deliver := b.deliver
	b.mu.Unlock()
	if !fail || deliver {
		if err := b.Backend.SendTransaction(ctx, tx); err != nil {
			return err
		}
	}
	if fail {
		return errors.New("read tcp 127.0.0.1:8545: i/o timeout")
	}
	return nil
}

func (b *lossyBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error) {
	b.mu.Lock()
	lookup := b.lookup
	b.mu.Unlock()
	if lookup != nil {
		return nil, false, lookup
	}
	return b.Backend.TransactionByHash(ctx, hash)
}

func (b *lossyBackend) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends
}

func TestTimedOutSendIsNotResubmitted(t *testing.T) {
	t.Parallel()
	lossy := &lossyBackend{deliver: true, failures: 1}
	h := newWrappedHarness(t, nil, func(b Backend) Backend {
		lossy.Backend = b
		return lossy
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := ledger.WithRetry(h.client, ledger.FixedPolicy(5, 0))
	hash, err := client.Transfer(ctx, ledger.TransferRequest{To: "0x0000000000000000000000000000000000000b0b", Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if lossy.sendCount() != 1 {
		t.Fatalf("accepted transaction was resubmitted %d times", lossy.sendCount()-1)
	}
	nonce, err := h.backend.Client().PendingNonceAt(ctx, h.from)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if nonce != 1 {
		t.Fatalf("expected exactly one pending transaction, nonce=%d", nonce)
	}
	if _, err := h.client.Transaction(ctx, hash); err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestLostSendIsRetried(t *testing.T) {
	t.Parallel()
	lossy := &lossyBackend{failures: 2}
	h := newWrappedHarness(t, nil, func(b Backend) Backend {
		lossy.Backend = b
		return lossy
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := ledger.WithRetry(h.client, ledger.FixedPolicy(5, 0))
	if _, err := client.Transfer(ctx, ledger.TransferRequest{To: "0x0000000000000000000000000000000000000b0b", Amount: big.NewInt(1)}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if lossy.sendCount() != 3 {
		t.Fatalf("expected two lost sends then success, got %d sends", lossy.sendCount())
	}
	nonce, err := h.backend.Client().PendingNonceAt(ctx, h.from)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if nonce != 1 {
		t.Fatalf("expected one pending transaction, nonce=%d", nonce)
	}
}

func TestUnverifiableSendIsUncertain(t *testing.T) {
	t.Parallel()
	lossy := &lossyBackend{deliver: true, failures: 1, lookup: errors.New("connection reset by peer")}
	h := newWrappedHarness(t, nil, func(b Backend) Backend {
		lossy.Backend = b
		return lossy
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := ledger.WithRetry(h.client, ledger.FixedPolicy(5, 0))
	_, err := client.Transfer(ctx, ledger.TransferRequest{To: "0x0000000000000000000000000000000000000b0b", Amount: big.NewInt(1)})
	if xerrors.CodeOf(err) != ledger.CodeSubmitUncertain || xerrors.RetryableError(err) {
		t.Fatalf("expected non-retryable uncertain submission, got %v", err)
	}
	if lossy.sendCount() != 1 {
		t.Fatalf("uncertain submission must not be resent, got %d sends", lossy.sendCount())
	}
}
