package identity

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/ledger"
	"OpenClaw-Gateway/pkg/logger"
)

// DefaultIssueFee 是发行代理代币需支付的原生币数量（0.05，最小单位）。
var DefaultIssueFee = big.NewInt(50_000_000_000_000_000)

const (
	defaultSettleBlocks = 3
	readyStep           = 10
)

var tickerPattern = regexp.MustCompile(`^[A-Z0-9]{3,10}$`)

// Registrar 封装对身份注册合约的全部操作。
type Registrar struct {
	ledger       ledger.Client
	artifactPath string
	registry     string
	issueFee     *big.Int
	settleBlocks int
	policy       ledger.Policy
	finality     ledger.Policy
	logger       *slog.Logger

	mu       sync.Mutex
	artifact *Artifact
	ready    bool
}

// Option 定义可选配置。
type Option func(*Registrar)

// WithRegistry 指定已部署的注册合约地址。
func WithRegistry(address string) Option {
	return func(r *Registrar) { r.registry = strings.TrimSpace(address) }
}

// WithArtifact 直接注入已解析的合约产物。
func WithArtifact(a *Artifact) Option {
	return func(r *Registrar) { r.artifact = a }
}

// WithArtifactPath 指定合约产物路径，首次使用时加载。
func WithArtifactPath(path string) Option {
	return func(r *Registrar) { r.artifactPath = path }
}

// WithIssueFee 覆盖发行代币的费用。
func WithIssueFee(fee *big.Int) Option {
	return func(r *Registrar) {
		if fee != nil && fee.Sign() >= 0 {
			r.issueFee = new(big.Int).Set(fee)
		}
	}
}

// WithSettleBlocks 设置模拟链上每笔交易后生成的区块数。
func WithSettleBlocks(n int) Option {
	return func(r *Registrar) {
		if n > 0 {
			r.settleBlocks = n
		}
	}
}

// WithPolicy 设置出块与等待激活使用的重试策略。
func WithPolicy(p ledger.Policy) Option {
	return func(r *Registrar) { r.policy = p }
}

// WithFinalityPolicy 设置非模拟链上等待交易打包的轮询策略。
func WithFinalityPolicy(p ledger.Policy) Option {
	return func(r *Registrar) { r.finality = p }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registrar) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 构造 Registrar。
func New(client ledger.Client, opts ...Option) *Registrar {
	r := &Registrar{
		ledger:       client,
		issueFee:     new(big.Int).Set(DefaultIssueFee),
		settleBlocks: defaultSettleBlocks,
		policy:       ledger.DefaultPolicy(),
		finality:     ledger.ExponentialPolicy(30, 500*time.Millisecond, 5*time.Second),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("identity")
	}
	return r
}

// Registry 返回构造时配置的注册合约地址。
func (r *Registrar) Registry() string { return r.registry }

// Artifact 返回合约产物，必要时从磁盘加载。
func (r *Registrar) Artifact() (*Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.artifact != nil {
		return r.artifact, nil
	}
	if strings.TrimSpace(r.artifactPath) == "" {
		return nil, xerrors.New(xerrors.CodeFatalConfig, "Failed to read identity artifact: no path configured, run setup first", xerrors.WithRetryable(false))
	}
	a, err := LoadArtifact(r.artifactPath)
	if err != nil {
		return nil, err
	}
	r.artifact = a
	return a, nil
}

// WaitReady 在首次使用前等待网络功能全部激活；模拟链上会主动出块。成功后不再重复执行。
func (r *Registrar) WaitReady(ctx context.Context) error {
	r.mu.Lock()
	if r.ready {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	readiness, ok := r.ledger.(ledger.Readiness)
	if !ok {
		r.markReady()
		return nil
	}
	sim, isSim := r.ledger.(ledger.Simulator)
	err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
		if err := readiness.Ready(ctx); err == nil {
			return nil
		}
		if isSim {
			if _, err := sim.GenerateBlocks(ctx, readyStep); err != nil {
				return err
			}
		}
		return readiness.Ready(ctx)
	})
	if err != nil {
		return err
	}
	r.markReady()
	return nil
}

func (r *Registrar) markReady() {
	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
}

// Deploy 部署一个新的注册合约实例并返回其地址。每次调用都会创建新实例。
func (r *Registrar) Deploy(ctx context.Context, owner string) (string, error) {
	a, err := r.Artifact()
	if err != nil {
		return "", err
	}
	if err := r.WaitReady(ctx); err != nil {
		return "", err
	}
	res, err := r.ledger.Deploy(ctx, ledger.DeployRequest{From: owner, Code: a.Bytecode, GasLimit: 6_000_000})
	if err != nil {
		return "", err
	}
	if err := r.settle(ctx, res.TxHash); err != nil {
		return "", err
	}
	logger.Audit().Info("身份注册合约已部署",
		slog.String("registry", res.Address),
		slog.String("owner", owner),
		slog.String("tx_hash", res.TxHash),
	)
	return res.Address, nil
}

// IssueToken 支付发行费并发行代理代币，返回合约记录的代币标识。
func (r *Registrar) IssueToken(ctx context.Context, registry, owner, name, ticker string) (string, error) {
	registry, err := r.target(registry)
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if name == "" {
		return "", xerrors.New(xerrors.CodeValidation, "代币名称不能为空")
	}
	if !tickerPattern.MatchString(ticker) {
		return "", xerrors.Newf(xerrors.CodeValidation, "代币简称需为 3-10 位大写字母或数字: %q", ticker)
	}
	a, err := r.Artifact()
	if err != nil {
		return "", err
	}
	data, err := a.ABI.Pack("issueToken", name, ticker)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeValidation, err, "编码 issueToken 参数失败")
	}
	if err := r.WaitReady(ctx); err != nil {
		return "", err
	}
	hash, err := r.ledger.Invoke(ctx, ledger.CallRequest{From: owner, To: registry, Data: data, Value: new(big.Int).Set(r.issueFee), GasLimit: 600_000})
	if err != nil {
		return "", err
	}
	if err := r.settle(ctx, hash); err != nil {
		return "", err
	}
	tokenID, err := r.TokenID(ctx, registry)
	if err != nil {
		return "", err
	}
	logger.Audit().Info("代理代币已发行",
		slog.String("registry", registry),
		slog.String("token_id", tokenID),
		slog.String("tx_hash", hash),
	)
	return tokenID, nil
}

// TokenID 读取注册合约记录的代币标识，尚未发行时返回空字符串。
func (r *Registrar) TokenID(ctx context.Context, registry string) (string, error) {
	registry, err := r.target(registry)
	if err != nil {
		return "", err
	}
	out, err := r.query(ctx, registry, "tokenId")
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", xerrors.New(CodeRegistrationFailed, "tokenId 返回值格式错误")
	}
	tokenID, _ := out[0].(string)
	return tokenID, nil
}

// RegisterAgent 登记代理资料，返回链上记录编号。同名代理已存在时返回 AGENT_ALREADY_REGISTERED。
func (r *Registrar) RegisterAgent(ctx context.Context, registry, owner string, agent AgentIdentity) (uint64, error) {
	registry, err := r.target(registry)
	if err != nil {
		return 0, err
	}
	agent.Name = strings.TrimSpace(agent.Name)
	if agent.Name == "" {
		return 0, xerrors.New(xerrors.CodeValidation, "代理名称不能为空")
	}
	if _, err := r.LookupAgent(ctx, registry, agent.Name); err == nil {
		return 0, xerrors.Newf(CodeAgentExists, "代理 %s 已注册", agent.Name)
	} else if !xerrors.HasCode(err, CodeAgentNotFound) {
		return 0, err
	}

	a, err := r.Artifact()
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(agent.Metadata))
	values := make([][]byte, 0, len(agent.Metadata))
	for _, m := range agent.Metadata {
		keys = append(keys, m.Key)
		values = append(values, m.Value)
	}
	names := make([]string, 0, len(agent.Services))
	endpoints := make([]string, 0, len(agent.Services))
	for _, s := range agent.Services {
		names = append(names, s.Name)
		endpoints = append(endpoints, s.Endpoint)
	}
	data, err := a.ABI.Pack("registerAgent", agent.Name, agent.URI, agent.PublicKey, keys, values, names, endpoints)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeValidation, err, "编码 registerAgent 参数失败")
	}
	if err := r.WaitReady(ctx); err != nil {
		return 0, err
	}
	hash, err := r.ledger.Invoke(ctx, ledger.CallRequest{From: owner, To: registry, Data: data, GasLimit: 1_000_000})
	if err != nil {
		return 0, err
	}
	if err := r.settle(ctx, hash); err != nil {
		return 0, err
	}
	stored, err := r.LookupAgent(ctx, registry, agent.Name)
	if err != nil {
		return 0, err
	}
	logger.Audit().Info("代理已登记",
		slog.String("registry", registry),
		slog.String("agent", agent.Name),
		slog.Uint64("record_id", stored.RecordID),
		slog.String("tx_hash", hash),
	)
	return stored.RecordID, nil
}

// LookupAgent 按名称读取代理资料。
func (r *Registrar) LookupAgent(ctx context.Context, registry, name string) (*AgentIdentity, error) {
	registry, err := r.target(registry)
	if err != nil {
		return nil, err
	}
	out, err := r.query(ctx, registry, "getAgent", name)
	if err != nil {
		return nil, err
	}
	if len(out) != 8 {
		return nil, xerrors.New(CodeRegistrationFailed, "getAgent 返回值格式错误")
	}
	id, _ := out[0].(*big.Int)
	uri, _ := out[1].(string)
	pk, _ := out[2].([32]byte)
	owner, _ := out[3].(common.Address)
	keys, _ := out[4].([]string)
	values, _ := out[5].([][]byte)
	names, _ := out[6].([]string)
	endpoints, _ := out[7].([]string)
	if id == nil || id.Sign() == 0 {
		return nil, xerrors.Newf(CodeAgentNotFound, "代理 %s 未注册", name)
	}

	agent := &AgentIdentity{
		RecordID:  id.Uint64(),
		Name:      name,
		URI:       uri,
		PublicKey: pk,
		Owner:     owner.Hex(),
		Metadata:  make([]Metadata, 0, len(keys)),
		Services:  make([]Service, 0, len(names)),
	}
	for i := range keys {
		m := Metadata{Key: keys[i]}
		if i < len(values) {
			m.Value = values[i]
		}
		agent.Metadata = append(agent.Metadata, m)
	}
	for i := range names {
		s := Service{Name: names[i]}
		if i < len(endpoints) {
			s.Endpoint = endpoints[i]
		}
		agent.Services = append(agent.Services, s)
	}
	return agent, nil
}

func (r *Registrar) target(registry string) (string, error) {
	registry = strings.TrimSpace(registry)
	if registry == "" {
		registry = r.registry
	}
	if registry == "" || !common.IsHexAddress(registry) {
		return "", xerrors.New(CodeRegistryMissing, "身份注册合约尚未部署")
	}
	return registry, nil
}

func (r *Registrar) query(ctx context.Context, registry, method string, args ...any) ([]any, error) {
	a, err := r.Artifact()
	if err != nil {
		return nil, err
	}
	data, err := a.ABI.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("编码 %s 参数失败", method))
	}
	raw, err := r.ledger.Query(ctx, ledger.QueryRequest{To: registry, Data: data})
	if err != nil {
		return nil, mapRevert(err.Error(), err)
	}
	out, err := a.ABI.Unpack(method, raw)
	if err != nil {
		return nil, xerrors.Wrap(CodeRegistrationFailed, err, fmt.Sprintf("解码 %s 返回值失败", method))
	}
	return out, nil
}

// settle 等待交易被打包并检查执行结果。
func (r *Registrar) settle(ctx context.Context, hash string) error {
	var rec *ledger.TxRecord
	if sim, ok := r.ledger.(ledger.Simulator); ok {
		err := r.policy.Do(ctx, func(ctx context.Context, _ int) error {
			_, err := sim.GenerateBlocks(ctx, r.settleBlocks)
			return err
		})
		if err != nil {
			return err
		}
	}
	err := r.finality.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		rec, err = r.ledger.Transaction(ctx, hash)
		if err != nil {
			return err
		}
		if !rec.Final() {
			return xerrors.New(ledger.CodeNotReady, "交易尚未打包")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if rec.Status == ledger.StatusFailed {
		cause := xerrors.New(ledger.CodeTxReverted, rec.Reason, xerrors.WithMetadata("tx_hash", hash))
		return mapRevert(rec.Reason, cause)
	}
	return nil
}

func mapRevert(reason string, cause error) error {
	switch {
	case strings.Contains(reason, reasonAgentExists):
		return xerrors.Wrap(CodeAgentExists, cause, "代理已注册")
	case strings.Contains(reason, reasonAgentNotFound):
		return xerrors.Wrap(CodeAgentNotFound, cause, "代理未注册")
	case strings.Contains(reason, reasonTokenMissing):
		return xerrors.Wrap(CodeTokenNotIssued, cause, "需先发行代理代币")
	}
	return cause
}
