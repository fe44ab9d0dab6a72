package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/ledger"
)

// Backend 是驱动依赖的链访问能力，ethclient.Client 与 simulated 后端均满足。
type Backend interface {
	gethcore.ChainIDReader
	gethcore.BlockNumberReader
	gethcore.TransactionReader
	gethcore.TransactionSender
	gethcore.GasPricer
	gethcore.GasEstimator
	gethcore.ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Config describes how to construct an EVM compatible ledger client.
type Config struct {
	Name      string
	RPCURL    string
	ChainID   *big.Int
	SignerKey string
	Native    string
	// Tokens maps token symbols to ERC-20 contract addresses.
	Tokens map[string]string
	Notes  string
}

// Client implements ledger.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	native    string
	rpcClient *gethrpc.Client
	backend   Backend
	chainID   *big.Int
	signer    coretypes.Signer
	key       *ecdsa.PrivateKey
	from      common.Address
	tokens    map[common.Address]string
	symbols   map[string]common.Address
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeFatalConfig, "未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, ledger.Unavailable(err, "连接以太坊节点失败")
	}
	client, err := NewWithBackend(ctx, ethclient.NewClient(rpcClient), cfg)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	return client, nil
}

// NewWithBackend wraps an existing backend, e.g. a simulated chain in tests.
func NewWithBackend(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeFatalConfig, "缺少链访问后端")
	}
	c := &Client{
		name:    cfg.Name,
		notes:   cfg.Notes,
		native:  strings.ToUpper(strings.TrimSpace(cfg.Native)),
		backend: backend,
		tokens:  make(map[common.Address]string),
		symbols: make(map[string]common.Address),
	}
	if c.native == "" {
		c.native = "ETH"
	}

	chainID := cfg.ChainID
	if chainID == nil {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, ledger.Unavailable(err, "获取链 ID 失败")
		}
		chainID = id
	}
	c.chainID = new(big.Int).Set(chainID)
	c.signer = coretypes.LatestSignerForChainID(c.chainID)

	if key := strings.TrimSpace(cfg.SignerKey); key != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(key, "0x"))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeFatalConfig, err, "解析签名私钥失败")
		}
		c.key = pk
		c.from = crypto.PubkeyToAddress(pk.PublicKey)
	}

	for symbol, address := range cfg.Tokens {
		if !common.IsHexAddress(address) {
			return nil, xerrors.Newf(xerrors.CodeFatalConfig, "代币 %s 的合约地址无效: %s", symbol, address)
		}
		sym := strings.ToUpper(strings.TrimSpace(symbol))
		addr := common.HexToAddress(address)
		c.tokens[addr] = sym
		c.symbols[sym] = addr
	}
	return c, nil
}

// Signer returns the address used to sign outgoing transactions.
func (c *Client) Signer() common.Address { return c.from }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainInfo reports the chain id and head block number.
func (c *Client) ChainInfo(ctx context.Context) (ledger.ChainInfo, error) {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return ledger.ChainInfo{}, classify(err, "获取最新区块高度失败")
	}
	return ledger.ChainInfo{ChainID: c.chainID.String(), Head: head, Notes: c.notes}, nil
}

// Deploy sends a contract creation transaction; code and constructor args are concatenated.
func (c *Client) Deploy(ctx context.Context, req ledger.DeployRequest) (ledger.DeployResult, error) {
	if len(req.Code) == 0 {
		return ledger.DeployResult{}, ledger.Rejected(nil, "合约字节码不能为空")
	}
	data := append(append([]byte(nil), req.Code...), req.Args...)
	tx, err := c.submit(ctx, req.From, nil, req.Value, data, req.GasLimit)
	if err != nil {
		return ledger.DeployResult{}, err
	}
	return ledger.DeployResult{
		Address: crypto.CreateAddress(c.from, tx.Nonce()).Hex(),
		TxHash:  tx.Hash().Hex(),
	}, nil
}

// Invoke sends a state changing contract call.
func (c *Client) Invoke(ctx context.Context, req ledger.CallRequest) (string, error) {
	if !common.IsHexAddress(req.To) {
		return "", ledger.Rejected(nil, fmt.Sprintf("无效的合约地址: %q", req.To))
	}
	to := common.HexToAddress(req.To)
	tx, err := c.submit(ctx, req.From, &to, req.Value, req.Data, req.GasLimit)
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// Query executes a read-only call against the latest state.
func (c *Client) Query(ctx context.Context, req ledger.QueryRequest) ([]byte, error) {
	if !common.IsHexAddress(req.To) {
		return nil, ledger.Rejected(nil, fmt.Sprintf("无效的合约地址: %q", req.To))
	}
	to := common.HexToAddress(req.To)
	msg := gethcore.CallMsg{To: &to, Data: req.Data}
	if common.IsHexAddress(req.From) {
		msg.From = common.HexToAddress(req.From)
	}
	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, classify(err, "只读调用失败")
	}
	return out, nil
}

// Transfer sends native value, or an ERC-20 transfer when Token names a configured contract.
// The memo rides in the calldata: alone for native transfers, appended after the ERC-20 arguments otherwise.
func (c *Client) Transfer(ctx context.Context, req ledger.TransferRequest) (string, error) {
	if !common.IsHexAddress(req.To) {
		return "", ledger.Rejected(nil, fmt.Sprintf("无效的收款地址: %q", req.To))
	}
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return "", ledger.Rejected(nil, "转账金额无效")
	}
	recipient := common.HexToAddress(req.To)
	symbol := strings.ToUpper(strings.TrimSpace(req.Token))

	var tx *coretypes.Transaction
	var err error
	if symbol == "" || symbol == c.native {
		tx, err = c.submit(ctx, req.From, &recipient, req.Amount, req.Memo, 0)
	} else {
		contract, ok := c.symbols[symbol]
		if !ok {
			return "", ledger.Rejected(nil, fmt.Sprintf("未配置代币 %s", symbol))
		}
		data, packErr := packTransfer(recipient, req.Amount, req.Memo)
		if packErr != nil {
			return "", ledger.Rejected(packErr, "编码代币转账失败")
		}
		tx, err = c.submit(ctx, req.From, &contract, nil, data, 0)
	}
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// SubmitRaw broadcasts a pre-signed transaction.
func (c *Client) SubmitRaw(ctx context.Context, raw []byte) (string, error) {
	tx := new(coretypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", ledger.Rejected(err, "无法解析签名交易")
	}
	if err := c.broadcast(ctx, tx); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// Transaction returns the ledger view of a transaction.
func (c *Client) Transaction(ctx context.Context, hash string) (*ledger.TxRecord, error) {
	if !isHash(hash) {
		return nil, ledger.NotFound(hash)
	}
	txHash := common.HexToHash(hash)
	tx, pending, err := c.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, ledger.NotFound(hash)
		}
		return nil, classify(err, "查询交易失败")
	}
	rec := c.describe(tx)
	if pending {
		return rec, nil
	}

	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return rec, nil
		}
		return nil, classify(err, "查询交易回执失败")
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, classify(err, "获取最新区块高度失败")
	}
	rec.Block = receipt.BlockNumber.Uint64()
	if head >= rec.Block {
		rec.Confirmations = head - rec.Block + 1
	}
	if receipt.Status == coretypes.ReceiptStatusSuccessful {
		rec.Status = ledger.StatusSuccess
	} else {
		rec.Status = ledger.StatusFailed
		rec.Reason = "execution reverted"
	}
	return rec, nil
}

func (c *Client) describe(tx *coretypes.Transaction) *ledger.TxRecord {
	rec := &ledger.TxRecord{
		Hash:   tx.Hash().Hex(),
		Token:  c.native,
		Amount: new(big.Int).Set(tx.Value()),
		Value:  new(big.Int).Set(tx.Value()),
		Data:   tx.Data(),
		Memo:   tx.Data(),
		Status: ledger.StatusPending,
	}
	if from, err := coretypes.Sender(c.signer, tx); err == nil {
		rec.From = from.Hex()
	}
	if tx.To() == nil {
		return rec
	}
	rec.To = tx.To().Hex()
	if symbol, ok := c.tokens[*tx.To()]; ok {
		if to, amount, memo, ok := unpackTransfer(tx.Data()); ok {
			rec.Token = symbol
			rec.To = to.Hex()
			rec.Amount = amount
			rec.Memo = memo
		}
	}
	return rec
}

// submit 签名并广播交易。
func (c *Client) submit(ctx context.Context, from string, to *common.Address, value *big.Int, data []byte, gasLimit uint64) (*coretypes.Transaction, error) {
	if c.key == nil {
		return nil, xerrors.New(xerrors.CodeFatalConfig, "未配置签名私钥，无法发送交易")
	}
	if strings.TrimSpace(from) != "" && common.HexToAddress(from) != c.from {
		return nil, ledger.Rejected(nil, fmt.Sprintf("发送方 %s 与签名账户 %s 不一致", from, c.from.Hex()))
	}
	if value == nil {
		value = new(big.Int)
	}

	// 取 nonce 到发送之间串行化，避免并发交易复用同一个 nonce。
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, classify(err, "获取 nonce 失败")
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(err, "获取 gas price 失败")
	}
	if gasLimit == 0 {
		gasLimit, err = c.backend.EstimateGas(ctx, gethcore.CallMsg{From: c.from, To: to, Value: value, Data: data})
		if err != nil {
			return nil, classify(err, "估算 gas 失败")
		}
	}
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalConfig, err, "签名交易失败")
	}
	if err := c.broadcast(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// broadcast 发送已签名交易。
//
// 发送出错且错误可重试时按哈希回查：节点已收录则视为成功，确认未收录才返回可重试错误，
// 回查也失败时返回不可重试的 LEDGER_SUBMIT_UNCERTAIN，调用方不得重新签名重发。
func (c *Client) broadcast(ctx context.Context, tx *coretypes.Transaction) error {
	sendErr := c.backend.SendTransaction(ctx, tx)
	if sendErr == nil {
		return nil
	}
	classified := classify(sendErr, "发送交易失败")
	if !xerrors.RetryableError(classified) {
		return classified
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()
	lookErr := lookupPolicy.Do(lctx, func(ctx context.Context, _ int) error {
		_, _, err := c.backend.TransactionByHash(ctx, tx.Hash())
		if err == nil || errors.Is(err, gethcore.NotFound) {
			return err
		}
		return classify(err, "回查交易失败")
	})
	switch {
	case lookErr == nil:
		return nil
	case errors.Is(lookErr, gethcore.NotFound):
		return classified
	default:
		return xerrors.Wrap(ledger.CodeSubmitUncertain, sendErr, "交易发送结果未知",
			xerrors.WithMetadata("tx_hash", tx.Hash().Hex()))
	}
}

const lookupTimeout = 5 * time.Second

var lookupPolicy = ledger.FixedPolicy(5, 200*time.Millisecond)

var rejections = []string{
	"nonce too low",
	"nonce too high",
	"insufficient funds",
	"already known",
	"underpriced",
	"intrinsic gas",
	"gas limit",
	"execution reverted",
	"invalid sender",
}

func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	lower := strings.ToLower(err.Error())
	for _, fragment := range rejections {
		if strings.Contains(lower, fragment) {
			return ledger.Rejected(err, message)
		}
	}
	// 只有请求本身无效才不可重试，其余 RPC 错误（例如交易索引尚未完成）按瞬时错误处理。
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32600, -32601, -32602:
			return ledger.Rejected(err, message)
		}
	}
	return ledger.Unavailable(err, message)
}

var _ ledger.Client = (*Client)(nil)
