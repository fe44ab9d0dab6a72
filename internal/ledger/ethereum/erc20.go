package ethereum

import (
	"bytes"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const erc20ABI = `[{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

// transferArgsLen 是 transfer(address,uint256) 的参数编码长度。
const transferArgsLen = 64

var transferMethod = mustTransferMethod()

func mustTransferMethod() abi.Method {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(err)
	}
	return parsed.Methods["transfer"]
}

func packTransfer(to common.Address, amount *big.Int, memo []byte) ([]byte, error) {
	args, err := transferMethod.Inputs.Pack(to, amount)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4+len(args)+len(memo))
	out = append(out, transferMethod.ID...)
	out = append(out, args...)
	return append(out, memo...), nil
}

func unpackTransfer(data []byte) (common.Address, *big.Int, []byte, bool) {
	if len(data) < 4+transferArgsLen || !bytes.Equal(data[:4], transferMethod.ID) {
		return common.Address{}, nil, nil, false
	}
	values, err := transferMethod.Inputs.Unpack(data[4 : 4+transferArgsLen])
	if err != nil || len(values) != 2 {
		return common.Address{}, nil, nil, false
	}
	to, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, nil, nil, false
	}
	amount, ok := values[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, nil, false
	}
	return to, amount, append([]byte(nil), data[4+transferArgsLen:]...), true
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
