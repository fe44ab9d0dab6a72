package ledger

import (
	"context"
	"math/big"
)

// TxStatus 表示交易在账本上的执行结果。
type TxStatus string

const (
	StatusPending TxStatus = "pending"
	StatusSuccess TxStatus = "success"
	StatusFailed  TxStatus = "failed"
)

// ChainInfo 是链的概要信息。
type ChainInfo struct {
	ChainID string `json:"chainId"`
	Head    uint64 `json:"head"`
	Notes   string `json:"notes,omitempty"`
}

// TxRecord 是账本对单笔交易的视图。
//
// Token 对原生转账为链的原生币符号，对代币转账为代币标识；Amount 为转账数量（最小单位）。
type TxRecord struct {
	Hash          string   `json:"hash"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	Token         string   `json:"token"`
	Amount        *big.Int `json:"amount"`
	Value         *big.Int `json:"value"`
	Memo          []byte   `json:"memo,omitempty"`
	Data          []byte   `json:"data,omitempty"`
	Block         uint64   `json:"block"`
	Confirmations uint64   `json:"confirmations"`
	Status        TxStatus `json:"status"`
	Reason        string   `json:"reason,omitempty"`
}

// Final 报告交易是否已被打包。
func (r *TxRecord) Final() bool {
	return r != nil && r.Status != StatusPending
}

// DeployRequest 描述一次合约部署。
type DeployRequest struct {
	From     string
	Code     []byte
	Args     []byte
	Value    *big.Int
	GasLimit uint64
}

// DeployResult 是部署结果。
type DeployResult struct {
	Address string
	TxHash  string
}

// CallRequest 描述一次会修改状态的合约调用。
type CallRequest struct {
	From     string
	To       string
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// QueryRequest 描述一次只读调用。
type QueryRequest struct {
	From string
	To   string
	Data []byte
}

// TransferRequest 描述一次转账。Token 为空表示原生币。
type TransferRequest struct {
	From   string
	To     string
	Token  string
	Amount *big.Int
	Memo   []byte
}

// Client 是网关依赖的账本访问接口。
type Client interface {
	ChainInfo(ctx context.Context) (ChainInfo, error)
	Deploy(ctx context.Context, req DeployRequest) (DeployResult, error)
	Invoke(ctx context.Context, req CallRequest) (string, error)
	Query(ctx context.Context, req QueryRequest) ([]byte, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	SubmitRaw(ctx context.Context, raw []byte) (string, error)
	Transaction(ctx context.Context, hash string) (*TxRecord, error)
	Close()
}

// Simulator 是模拟链额外提供的能力，仅用于开发和测试。
type Simulator interface {
	Fund(ctx context.Context, address, token string, amount *big.Int) error
	GenerateBlocks(ctx context.Context, n int) (uint64, error)
}

// Readiness 由需要等待网络功能激活的账本实现。
type Readiness interface {
	Ready(ctx context.Context) error
}
