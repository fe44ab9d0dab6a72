package gateway

import (
	"context"
	"fmt"
	"net/url"
)

// NetworkConfig is the simulator's /network/config payload.
type NetworkConfig struct {
	ChainID string `json:"erd_chain_id"`
	Head    uint64 `json:"head"`
}

// NetworkConfig returns the chain id and head height of the simulator.
func (c *Client) NetworkConfig(ctx context.Context) (NetworkConfig, error) {
	var out NetworkConfig
	err := c.get(ctx, "/network/config", &out)
	return out, err
}

// SetState funds simulator accounts. Requires an operator token when the
// gateway has auth enabled.
func (c *Client) SetState(ctx context.Context, accounts ...Account) error {
	return c.post(ctx, "/simulator/set-state", accounts, nil)
}

// GenerateBlocks mines n blocks and returns the new head.
func (c *Client) GenerateBlocks(ctx context.Context, n int) (uint64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("block count must be positive, got %d", n)
	}
	var out struct {
		Head uint64 `json:"head"`
	}
	if err := c.post(ctx, fmt.Sprintf("/simulator/generate-blocks/%d", n), nil, &out); err != nil {
		return 0, err
	}
	return out.Head, nil
}

// Transfer submits a simulator transfer and returns its hash. The transfer is
// pending until the next block.
func (c *Client) Transfer(ctx context.Context, t Transfer) (string, error) {
	var out struct {
		TxHash string `json:"txHash"`
	}
	if err := c.post(ctx, "/simulator/transfer", t, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

// Transaction looks up a simulator transaction.
func (c *Client) Transaction(ctx context.Context, hash string) (Transaction, error) {
	var out Transaction
	err := c.get(ctx, "/simulator/tx/"+url.PathEscape(hash), &out)
	return out, err
}
