package simulator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Call 是传给合约运行时的一次调用上下文。
type Call struct {
	Contract common.Address
	Sender   common.Address
	Value    *big.Int
	Data     []byte
	TxHash   common.Hash
	Block    uint64
}

// Runtime 是模拟器中合约的本地实现。Execute 返回错误即视为回滚，
// 错误信息作为回滚原因记录；实现方需保证回滚时不修改自身状态。
type Runtime interface {
	Execute(call Call) ([]byte, error)
	Query(call Call) ([]byte, error)
}

// Factory 在部署交易被打包时创建合约实例。
type Factory func(deployer common.Address, args []byte) (Runtime, error)

// CodeHash 返回字节码对应的运行时注册键。
func CodeHash(code []byte) common.Hash {
	return crypto.Keccak256Hash(code)
}

type inertRuntime struct{}

func (inertRuntime) Execute(Call) ([]byte, error) { return nil, errNoRuntime }
func (inertRuntime) Query(Call) ([]byte, error)   { return nil, errNoRuntime }
