package identity

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"OpenClaw-Gateway/internal/ledger/simulator"
)

type agentRecord struct {
	id        uint64
	uri       string
	publicKey [32]byte
	owner     common.Address
	keys      []string
	values    [][]byte
	names     []string
	endpoints []string
}

// registryRuntime 是注册合约在模拟链上的本地实现。
type registryRuntime struct {
	mu       sync.Mutex
	abi      abi.ABI
	owner    common.Address
	issueFee *big.Int
	tokenID  string
	nextID   uint64
	agents   map[string]*agentRecord
}

// NewRuntime 返回注册合约的模拟器工厂，部署者即合约所有者。
func NewRuntime(a *Artifact, issueFee *big.Int) simulator.Factory {
	if issueFee == nil {
		issueFee = DefaultIssueFee
	}
	fee := new(big.Int).Set(issueFee)
	return func(deployer common.Address, _ []byte) (simulator.Runtime, error) {
		return &registryRuntime{
			abi:      a.ABI,
			owner:    deployer,
			issueFee: fee,
			nextID:   1,
			agents:   make(map[string]*agentRecord),
		}, nil
	}
}

// Install 在模拟链上注册合约实现。
func Install(chain *simulator.Chain, a *Artifact, issueFee *big.Int) {
	chain.RegisterRuntime(a.CodeHash, NewRuntime(a, issueFee))
}

func (rt *registryRuntime) decode(data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("missing method selector")
	}
	method, err := rt.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, args, nil
}

func (rt *registryRuntime) Execute(call simulator.Call) ([]byte, error) {
	method, args, err := rt.decode(call.Data)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if call.Sender != rt.owner {
		return nil, errors.New(reasonNotOwner)
	}

	switch method.Name {
	case "issueToken":
		ticker, _ := args[1].(string)
		if rt.tokenID != "" {
			return nil, errors.New(reasonTokenIssued)
		}
		if call.Value == nil || call.Value.Cmp(rt.issueFee) != 0 {
			return nil, errors.New(reasonWrongFee)
		}
		rt.tokenID = strings.ToUpper(ticker) + "-" + hex.EncodeToString(call.TxHash.Bytes()[:3])
		return nil, nil
	case "registerAgent":
		if rt.tokenID == "" {
			return nil, errors.New(reasonTokenMissing)
		}
		name, _ := args[0].(string)
		if strings.TrimSpace(name) == "" {
			return nil, errors.New(reasonEmptyName)
		}
		if _, exists := rt.agents[name]; exists {
			return nil, errors.New(reasonAgentExists)
		}
		rec := &agentRecord{id: rt.nextID, owner: call.Sender}
		rec.uri, _ = args[1].(string)
		rec.publicKey, _ = args[2].([32]byte)
		rec.keys, _ = args[3].([]string)
		rec.values, _ = args[4].([][]byte)
		rec.names, _ = args[5].([]string)
		rec.endpoints, _ = args[6].([]string)
		rt.agents[name] = rec
		rt.nextID++
		return method.Outputs.Pack(new(big.Int).SetUint64(rec.id))
	default:
		return nil, errors.New("method is not callable: " + method.Name)
	}
}

func (rt *registryRuntime) Query(call simulator.Call) ([]byte, error) {
	method, args, err := rt.decode(call.Data)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch method.Name {
	case "tokenId":
		return method.Outputs.Pack(rt.tokenID)
	case "getAgent":
		name, _ := args[0].(string)
		rec, ok := rt.agents[name]
		if !ok {
			rec = &agentRecord{}
		}
		return method.Outputs.Pack(
			new(big.Int).SetUint64(rec.id),
			rec.uri,
			rec.publicKey,
			rec.owner,
			nonNil(rec.keys),
			nonNilBytes(rec.values),
			nonNil(rec.names),
			nonNil(rec.endpoints),
		)
	default:
		return nil, errors.New("method is not a view: " + method.Name)
	}
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilBytes(v [][]byte) [][]byte {
	if v == nil {
		return [][]byte{}
	}
	return v
}
