package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/ledger/simulator"
)

// RegistryABI 是身份注册合约的接口定义。
const RegistryABI = `[
 {"type":"function","name":"issueToken","stateMutability":"payable","inputs":[{"name":"name","type":"string"},{"name":"ticker","type":"string"}],"outputs":[]},
 {"type":"function","name":"tokenId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"registerAgent","stateMutability":"nonpayable","inputs":[{"name":"name","type":"string"},{"name":"uri","type":"string"},{"name":"publicKey","type":"bytes32"},{"name":"metadataKeys","type":"string[]"},{"name":"metadataValues","type":"bytes[]"},{"name":"serviceNames","type":"string[]"},{"name":"serviceEndpoints","type":"string[]"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getAgent","stateMutability":"view","inputs":[{"name":"name","type":"string"}],"outputs":[{"name":"id","type":"uint256"},{"name":"uri","type":"string"},{"name":"publicKey","type":"bytes32"},{"name":"owner","type":"address"},{"name":"metadataKeys","type":"string[]"},{"name":"metadataValues","type":"bytes[]"},{"name":"serviceNames","type":"string[]"},{"name":"serviceEndpoints","type":"string[]"}]}
]`

var requiredMethods = []string{"issueToken", "tokenId", "registerAgent", "getAgent"}

// Artifact 是编译后的注册合约：ABI 与部署字节码。
type Artifact struct {
	ABI      abi.ABI
	Bytecode []byte
	CodeHash common.Hash
}

type artifactFile struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode string          `json:"bytecode"`
}

// LoadArtifact 读取并校验合约产物。缺失或格式错误都是不可重试的致命错误。
func LoadArtifact(path string) (*Artifact, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalConfig, err,
			fmt.Sprintf("Failed to read identity artifact %s: run setup first", path),
			xerrors.WithRetryable(false))
	}
	return ParseArtifact(content)
}

// ParseArtifact 解析 JSON 格式的合约产物。
func ParseArtifact(content []byte) (*Artifact, error) {
	fatal := func(cause error, msg string) error {
		return xerrors.Wrap(xerrors.CodeFatalConfig, cause, msg, xerrors.WithRetryable(false))
	}
	var file artifactFile
	if err := json.Unmarshal(content, &file); err != nil {
		return nil, fatal(err, "身份合约产物不是合法 JSON")
	}
	if len(file.ABI) == 0 {
		return nil, fatal(nil, "身份合约产物缺少 abi")
	}
	parsed, err := abi.JSON(strings.NewReader(string(file.ABI)))
	if err != nil {
		return nil, fatal(err, "身份合约 ABI 无法解析")
	}
	for _, name := range requiredMethods {
		if _, ok := parsed.Methods[name]; !ok {
			return nil, fatal(nil, fmt.Sprintf("身份合约 ABI 缺少方法 %s", name))
		}
	}
	code := strings.TrimSpace(file.Bytecode)
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	bytecode, err := hexutil.Decode(code)
	if err != nil {
		return nil, fatal(err, "身份合约字节码不是合法十六进制")
	}
	if len(bytecode) == 0 {
		return nil, fatal(nil, "身份合约字节码为空")
	}
	return &Artifact{ABI: parsed, Bytecode: bytecode, CodeHash: simulator.CodeHash(bytecode)}, nil
}

// MarshalArtifact 生成与 LoadArtifact 兼容的产物文件内容。
func MarshalArtifact(abiJSON string, bytecode []byte) ([]byte, error) {
	return json.MarshalIndent(artifactFile{ABI: json.RawMessage(abiJSON), Bytecode: hexutil.Encode(bytecode)}, "", "  ")
}
