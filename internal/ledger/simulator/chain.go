package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/ledger"
	"OpenClaw-Gateway/pkg/logger"
)

// 故障注入可用的操作名。
const (
	OpChainInfo      = "chain_info"
	OpDeploy         = "deploy"
	OpInvoke         = "invoke"
	OpQuery          = "query"
	OpTransfer       = "transfer"
	OpSubmitRaw      = "submit_raw"
	OpTransaction    = "transaction"
	OpFund           = "fund"
	OpGenerateBlocks = "generate_blocks"
)

var errNoRuntime = errors.New("contract has no runtime")

type kind int

const (
	kindTransfer kind = iota
	kindDeploy
	kindCall
)

type account struct {
	nonce    uint64
	balances map[string]*uint256.Int
}

type pendingTx struct {
	hash     common.Hash
	kind     kind
	from     common.Address
	to       common.Address
	token    string
	amount   *big.Int
	memo     []byte
	data     []byte
	codeHash common.Hash
	args     []byte
}

type txEntry struct {
	tx     *pendingTx
	block  uint64
	status ledger.TxStatus
	reason string
}

// Chain 是确定性的进程内链模拟器，实现 ledger.Client、ledger.Simulator
// 与 ledger.Readiness。交易在下一次出块时被打包。
type Chain struct {
	mu         sync.Mutex
	chainID    string
	evmChainID *big.Int
	native     string
	activation uint64
	notes      string
	head       uint64
	accounts   map[common.Address]*account
	contracts  map[common.Address]Runtime
	runtimes   map[common.Hash]Factory
	pending    []*pendingTx
	txs        map[common.Hash]*txEntry
	faults     map[string][]error
	logger     *slog.Logger
	closed     bool
}

// Option 定义可选配置。
type Option func(*Chain)

// WithChainID 设置对外展示的链 ID。
func WithChainID(id string) Option {
	return func(c *Chain) {
		if strings.TrimSpace(id) != "" {
			c.chainID = id
		}
	}
}

// WithSignerChainID 设置校验预签名交易时使用的 EIP-155 链 ID。
func WithSignerChainID(id *big.Int) Option {
	return func(c *Chain) {
		if id != nil {
			c.evmChainID = new(big.Int).Set(id)
		}
	}
}

// WithNativeToken 设置原生币符号。
func WithNativeToken(symbol string) Option {
	return func(c *Chain) {
		if strings.TrimSpace(symbol) != "" {
			c.native = strings.ToUpper(strings.TrimSpace(symbol))
		}
	}
}

// WithActivationHeight 设置网络功能全部激活的高度，未达到前写操作返回 LEDGER_NOT_READY。
func WithActivationHeight(height uint64) Option {
	return func(c *Chain) { c.activation = height }
}

// WithNotes 设置链描述。
func WithNotes(notes string) Option {
	return func(c *Chain) { c.notes = notes }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// New 构造模拟链。
func New(opts ...Option) *Chain {
	c := &Chain{
		chainID:    "chain",
		evmChainID: big.NewInt(1337),
		native:     "EGLD",
		notes:      "in-process simulator",
		accounts:   make(map[common.Address]*account),
		contracts:  make(map[common.Address]Runtime),
		runtimes:   make(map[common.Hash]Factory),
		txs:        make(map[common.Hash]*txEntry),
		faults:     make(map[string][]error),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = logger.Named("simulator")
	}
	return c
}

// RegisterRuntime 为指定字节码哈希注册合约实现。
func (c *Chain) RegisterRuntime(codeHash common.Hash, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runtimes[codeHash] = factory
}

// FailNext 让接下来 n 次 op 调用返回 err。
func (c *Chain) FailNext(op string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.faults[op] = append(c.faults[op], err)
	}
}

// NativeToken 返回原生币符号。
func (c *Chain) NativeToken() string { return c.native }

// SignerChainID 返回预签名交易使用的链 ID。
func (c *Chain) SignerChainID() *big.Int { return new(big.Int).Set(c.evmChainID) }

// Head 返回当前高度。
func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Balance 返回账户在指定代币上的余额。
func (c *Chain) Balance(address, token string) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	acct, ok := c.accounts[common.HexToAddress(address)]
	if !ok {
		return new(big.Int)
	}
	bal, ok := acct.balances[c.tokenKey(token)]
	if !ok {
		return new(big.Int)
	}
	return bal.ToBig()
}

// SetBalance 直接设置账户余额。
func (c *Chain) SetBalance(address, token string, amount *big.Int) error {
	value, err := toUint(amount)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account(common.HexToAddress(address)).balances[c.tokenKey(token)] = value
	return nil
}

// ChainInfo 实现 ledger.Client。
func (c *Chain) ChainInfo(context.Context) (ledger.ChainInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(OpChainInfo); err != nil {
		return ledger.ChainInfo{}, err
	}
	return ledger.ChainInfo{ChainID: c.chainID, Head: c.head, Notes: c.notes}, nil
}

// Ready 在链高度达到激活高度后返回 nil。
func (c *Chain) Ready(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

func (c *Chain) readyLocked() error {
	if c.head < c.activation {
		return xerrors.New(ledger.CodeNotReady, fmt.Sprintf("网络功能将在高度 %d 激活，当前高度 %d", c.activation, c.head))
	}
	return nil
}

// Deploy 提交合约部署交易，地址由部署者与 nonce 决定。
func (c *Chain) Deploy(_ context.Context, req ledger.DeployRequest) (ledger.DeployResult, error) {
	if len(req.Code) == 0 {
		return ledger.DeployResult{}, ledger.Rejected(nil, "合约字节码不能为空")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable(OpDeploy); err != nil {
		return ledger.DeployResult{}, err
	}
	from := common.HexToAddress(req.From)
	nonce := c.account(from).nonce
	address := crypto.CreateAddress(from, nonce)
	tx := &pendingTx{
		kind:     kindDeploy,
		from:     from,
		to:       address,
		token:    c.native,
		amount:   valueOrZero(req.Value),
		data:     append([]byte(nil), req.Code...),
		codeHash: CodeHash(req.Code),
		args:     append([]byte(nil), req.Args...),
	}
	hash, err := c.submit(tx)
	if err != nil {
		return ledger.DeployResult{}, err
	}
	return ledger.DeployResult{Address: address.Hex(), TxHash: hash}, nil
}

// Invoke 提交一次合约调用。
func (c *Chain) Invoke(_ context.Context, req ledger.CallRequest) (string, error) {
	if strings.TrimSpace(req.To) == "" {
		return "", ledger.Rejected(nil, "调用目标不能为空")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable(OpInvoke); err != nil {
		return "", err
	}
	return c.submit(&pendingTx{
		kind:   kindCall,
		from:   common.HexToAddress(req.From),
		to:     common.HexToAddress(req.To),
		token:  c.native,
		amount: valueOrZero(req.Value),
		data:   append([]byte(nil), req.Data...),
	})
}

// Query 在最新状态上执行只读调用。
func (c *Chain) Query(_ context.Context, req ledger.QueryRequest) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(OpQuery); err != nil {
		return nil, err
	}
	to := common.HexToAddress(req.To)
	rt, ok := c.contracts[to]
	if !ok {
		return nil, ledger.Rejected(nil, fmt.Sprintf("地址 %s 上没有合约", to.Hex()))
	}
	out, err := rt.Query(Call{Contract: to, Sender: common.HexToAddress(req.From), Value: new(big.Int), Data: req.Data, Block: c.head})
	if err != nil {
		return nil, xerrors.Wrap(ledger.CodeTxReverted, err, "只读调用失败")
	}
	return out, nil
}

// Transfer 提交一次转账，Token 为空时使用原生币。
func (c *Chain) Transfer(_ context.Context, req ledger.TransferRequest) (string, error) {
	if strings.TrimSpace(req.To) == "" {
		return "", ledger.Rejected(nil, "收款地址不能为空")
	}
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return "", ledger.Rejected(nil, "转账金额无效")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable(OpTransfer); err != nil {
		return "", err
	}
	return c.submit(&pendingTx{
		kind:   kindTransfer,
		from:   common.HexToAddress(req.From),
		to:     common.HexToAddress(req.To),
		token:  c.tokenKey(req.Token),
		amount: new(big.Int).Set(req.Amount),
		memo:   append([]byte(nil), req.Memo...),
	})
}

// SubmitRaw 接收预签名的以太坊格式交易，发送方从签名中恢复。
func (c *Chain) SubmitRaw(_ context.Context, raw []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", ledger.Rejected(err, "无法解析签名交易")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writable(OpSubmitRaw); err != nil {
		return "", err
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.evmChainID), tx)
	if err != nil {
		return "", ledger.Rejected(err, "签名校验失败")
	}
	if expected := c.account(from).nonce; tx.Nonce() != expected {
		return "", ledger.Rejected(nil, fmt.Sprintf("nonce 不匹配: 期望 %d, 实际 %d", expected, tx.Nonce()))
	}
	p := &pendingTx{
		from:   from,
		token:  c.native,
		amount: valueOrZero(tx.Value()),
	}
	switch {
	case tx.To() == nil:
		p.kind = kindDeploy
		p.to = crypto.CreateAddress(from, tx.Nonce())
		p.data = tx.Data()
		p.codeHash = CodeHash(tx.Data())
	case c.contracts[*tx.To()] != nil:
		p.kind = kindCall
		p.to = *tx.To()
		p.data = tx.Data()
	default:
		p.kind = kindTransfer
		p.to = *tx.To()
		p.memo = tx.Data()
	}
	p.hash = tx.Hash()
	return c.submit(p)
}

// Transaction 返回交易视图，未知交易返回 TX_NOT_FOUND。
func (c *Chain) Transaction(_ context.Context, hash string) (*ledger.TxRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(OpTransaction); err != nil {
		return nil, err
	}
	entry, ok := c.txs[common.HexToHash(hash)]
	if !ok || !isHash(hash) {
		return nil, ledger.NotFound(hash)
	}
	rec := &ledger.TxRecord{
		Hash:   entry.tx.hash.Hex(),
		From:   entry.tx.from.Hex(),
		To:     entry.tx.to.Hex(),
		Token:  entry.tx.token,
		Amount: new(big.Int).Set(entry.tx.amount),
		Value:  new(big.Int),
		Memo:   append([]byte(nil), entry.tx.memo...),
		Data:   append([]byte(nil), entry.tx.data...),
		Block:  entry.block,
		Status: entry.status,
		Reason: entry.reason,
	}
	if entry.tx.token == c.native {
		rec.Value.Set(entry.tx.amount)
	}
	if entry.status != ledger.StatusPending {
		rec.Confirmations = c.head - entry.block + 1
	}
	return rec, nil
}

// Fund 为账户增加余额，立即生效。
func (c *Chain) Fund(_ context.Context, address, token string, amount *big.Int) error {
	value, err := toUint(amount)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(OpFund); err != nil {
		return err
	}
	acct := c.account(common.HexToAddress(address))
	key := c.tokenKey(token)
	current, ok := acct.balances[key]
	if !ok {
		current = new(uint256.Int)
	}
	sum, overflow := new(uint256.Int).AddOverflow(current, value)
	if overflow {
		return ledger.Rejected(nil, fmt.Sprintf("账户 %s 的 %s 余额溢出", address, key))
	}
	acct.balances[key] = sum
	return nil
}

// GenerateBlocks 出 n 个块，所有待打包交易进入第一个新块，返回新高度。
func (c *Chain) GenerateBlocks(_ context.Context, n int) (uint64, error) {
	if n <= 0 {
		return 0, xerrors.New(xerrors.CodeValidation, "出块数量必须大于 0")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(OpGenerateBlocks); err != nil {
		return 0, err
	}
	block := c.head + 1
	for _, tx := range c.pending {
		c.apply(tx, block)
	}
	c.pending = nil
	c.head += uint64(n)
	return c.head, nil
}

// Run 按固定间隔自动出块，直到 ctx 结束。
func (c *Chain) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.GenerateBlocks(ctx, 1); err != nil {
				c.logger.Warn("自动出块失败", slog.Any("error", err))
			}
		}
	}
}

// Close 实现 ledger.Client。
func (c *Chain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Chain) writable(op string) error {
	if err := c.fault(op); err != nil {
		return err
	}
	return c.readyLocked()
}

func (c *Chain) fault(op string) error {
	if c.closed {
		return xerrors.New(ledger.CodeUnavailable, "模拟链已关闭", xerrors.WithRetryable(false))
	}
	queue := c.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	c.faults[op] = queue[1:]
	return err
}

func (c *Chain) submit(tx *pendingTx) (string, error) {
	acct := c.account(tx.from)
	if tx.hash == (common.Hash{}) {
		encoded, err := rlp.EncodeToBytes([]any{
			[]byte(c.chainID), tx.from, tx.to, acct.nonce, tx.token, tx.amount, tx.memo, tx.data, tx.args,
		})
		if err != nil {
			return "", ledger.Rejected(err, "交易编码失败")
		}
		tx.hash = crypto.Keccak256Hash(encoded)
	}
	acct.nonce++
	c.pending = append(c.pending, tx)
	c.txs[tx.hash] = &txEntry{tx: tx, status: ledger.StatusPending}
	c.logger.Debug("交易进入待打包队列",
		slog.String("tx_hash", tx.hash.Hex()),
		slog.String("from", tx.from.Hex()),
		slog.String("to", tx.to.Hex()),
	)
	return tx.hash.Hex(), nil
}

func (c *Chain) apply(tx *pendingTx, block uint64) {
	entry := c.txs[tx.hash]
	entry.block = block
	fail := func(reason string) {
		entry.status = ledger.StatusFailed
		entry.reason = reason
		c.logger.Debug("交易执行失败", slog.String("tx_hash", tx.hash.Hex()), slog.String("reason", reason))
	}

	amount, err := toUint(tx.amount)
	if err != nil {
		fail(err.Error())
		return
	}
	from := c.account(tx.from)
	balance := from.balances[tx.token]
	if balance == nil {
		balance = new(uint256.Int)
	}
	if balance.Lt(amount) {
		fail("insufficient funds")
		return
	}
	if tx.to != tx.from {
		if credit := c.account(tx.to).balances[tx.token]; credit != nil {
			if _, overflow := new(uint256.Int).AddOverflow(credit, amount); overflow {
				fail("balance overflow")
				return
			}
		}
	}

	var output error
	switch tx.kind {
	case kindDeploy:
		var rt Runtime = inertRuntime{}
		if factory, ok := c.runtimes[tx.codeHash]; ok {
			created, err := factory(tx.from, tx.args)
			if err != nil {
				output = err
			} else {
				rt = created
			}
		}
		if output == nil {
			c.contracts[tx.to] = rt
		}
	case kindCall:
		rt, ok := c.contracts[tx.to]
		if !ok {
			output = errors.New("call to non-contract address")
			break
		}
		_, output = rt.Execute(Call{Contract: tx.to, Sender: tx.from, Value: new(big.Int).Set(tx.amount), Data: tx.data, TxHash: tx.hash, Block: block})
	}
	if output != nil {
		fail(output.Error())
		return
	}

	from.balances[tx.token] = new(uint256.Int).Sub(balance, amount)
	to := c.account(tx.to)
	current := to.balances[tx.token]
	if current == nil {
		current = new(uint256.Int)
	}
	to.balances[tx.token] = new(uint256.Int).Add(current, amount)
	entry.status = ledger.StatusSuccess
}

func (c *Chain) account(addr common.Address) *account {
	acct, ok := c.accounts[addr]
	if !ok {
		acct = &account{balances: make(map[string]*uint256.Int)}
		c.accounts[addr] = acct
	}
	return acct
}

func (c *Chain) tokenKey(token string) string {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == "" {
		return c.native
	}
	return token
}

func toUint(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "金额不能为负数")
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, xerrors.New(xerrors.CodeValidation, "金额超出范围")
	}
	return out, nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

var (
	_ ledger.Client    = (*Chain)(nil)
	_ ledger.Simulator = (*Chain)(nil)
	_ ledger.Readiness = (*Chain)(nil)
)
