package ledger

import (
	"context"
	"math/big"
)

// retryingClient 在每个操作上套用重试策略。
type retryingClient struct {
	inner  Client
	policy Policy
}

type retryingSimulator struct {
	*retryingClient
	sim Simulator
}

type retryingReadiness struct {
	*retryingClient
	ready Readiness
}

type retryingFull struct {
	*retryingClient
	sim   Simulator
	ready Readiness
}

// WithRetry 返回一个对瞬时错误进行重试的 Client。
//
// 被包装的客户端若实现了 Simulator 或 Readiness，返回值同样实现它们。
//
// 写操作（Deploy、Invoke、Transfer、SubmitRaw）同样按错误码重试，因此驱动只能在确认交易
// 未被节点收录时返回可重试错误；结果不确定时应返回 CodeSubmitUncertain。
func WithRetry(client Client, policy Policy) Client {
	base := &retryingClient{inner: client, policy: policy}
	sim, isSim := client.(Simulator)
	ready, isReady := client.(Readiness)
	switch {
	case isSim && isReady:
		return &retryingFull{retryingClient: base, sim: sim, ready: ready}
	case isSim:
		return &retryingSimulator{retryingClient: base, sim: sim}
	case isReady:
		return &retryingReadiness{retryingClient: base, ready: ready}
	default:
		return base
	}
}

// Unwrap 返回被包装的客户端。
func (c *retryingClient) Unwrap() Client { return c.inner }

func (c *retryingClient) ChainInfo(ctx context.Context) (ChainInfo, error) {
	var info ChainInfo
	err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		info, err = c.inner.ChainInfo(ctx)
		return err
	})
	return info, err
}

func (c *retryingClient) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	var res DeployResult
	err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		res, err = c.inner.Deploy(ctx, req)
		return err
	})
	return res, err
}

func (c *retryingClient) Invoke(ctx context.Context, req CallRequest) (string, error) {
	return c.hash(ctx, func(ctx context.Context) (string, error) { return c.inner.Invoke(ctx, req) })
}

func (c *retryingClient) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return c.hash(ctx, func(ctx context.Context) (string, error) { return c.inner.Transfer(ctx, req) })
}

func (c *retryingClient) SubmitRaw(ctx context.Context, raw []byte) (string, error) {
	return c.hash(ctx, func(ctx context.Context) (string, error) { return c.inner.SubmitRaw(ctx, raw) })
}

func (c *retryingClient) Query(ctx context.Context, req QueryRequest) ([]byte, error) {
	var out []byte
	err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		out, err = c.inner.Query(ctx, req)
		return err
	})
	return out, err
}

func (c *retryingClient) Transaction(ctx context.Context, hash string) (*TxRecord, error) {
	var rec *TxRecord
	err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		rec, err = c.inner.Transaction(ctx, hash)
		return err
	})
	return rec, err
}

func (c *retryingClient) Close() { c.inner.Close() }

func (c *retryingClient) hash(ctx context.Context, op func(context.Context) (string, error)) (string, error) {
	var out string
	err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		out, err = op(ctx)
		return err
	})
	return out, err
}

func fund(ctx context.Context, p Policy, sim Simulator, address, token string, amount *big.Int) error {
	return p.Do(ctx, func(ctx context.Context, _ int) error {
		return sim.Fund(ctx, address, token, amount)
	})
}

func generate(ctx context.Context, p Policy, sim Simulator, n int) (uint64, error) {
	var head uint64
	err := p.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		head, err = sim.GenerateBlocks(ctx, n)
		return err
	})
	return head, err
}

func (c *retryingSimulator) Fund(ctx context.Context, address, token string, amount *big.Int) error {
	return fund(ctx, c.policy, c.sim, address, token, amount)
}

func (c *retryingSimulator) GenerateBlocks(ctx context.Context, n int) (uint64, error) {
	return generate(ctx, c.policy, c.sim, n)
}

func (c *retryingReadiness) Ready(ctx context.Context) error { return c.ready.Ready(ctx) }

func (c *retryingFull) Fund(ctx context.Context, address, token string, amount *big.Int) error {
	return fund(ctx, c.policy, c.sim, address, token, amount)
}

func (c *retryingFull) GenerateBlocks(ctx context.Context, n int) (uint64, error) {
	return generate(ctx, c.policy, c.sim, n)
}

// Ready 不做重试，调用方自行轮询。
func (c *retryingFull) Ready(ctx context.Context) error { return c.ready.Ready(ctx) }

var (
	_ Client    = (*retryingClient)(nil)
	_ Simulator = (*retryingSimulator)(nil)
	_ Readiness = (*retryingReadiness)(nil)
	_ Simulator = (*retryingFull)(nil)
	_ Readiness = (*retryingFull)(nil)
)
