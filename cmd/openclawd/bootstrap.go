package main

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"OpenClaw-Gateway/internal/api"
	"OpenClaw-Gateway/internal/config"
	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/identity"
	"OpenClaw-Gateway/internal/ledger"
	"OpenClaw-Gateway/internal/ledger/simulator"
	"OpenClaw-Gateway/pkg/logger"
)

// devOwner 是模拟链上未配置 registry.owner 时使用的部署账户。
const devOwner = "0x00000000000000000000000000000000000c1a00"

// bootstrapIdentity 准备身份注册合约并返回代理资料。
//
// 配置了 registry.address 时只读取链上记录；bootstrap 为 true 时部署新合约、
// 发行代币并登记代理。两者都没有时资料仅来自配置。
func bootstrapIdentity(ctx context.Context, cfg *config.Config, client ledger.Client, chain *simulator.Chain, policy ledger.Policy) (*identity.Registrar, api.AgentProfile, error) {
	lg := logger.Named("identity")
	owner := strings.TrimSpace(cfg.Registry.Owner)
	if owner == "" && chain != nil {
		owner = devOwner
	}
	profile := api.AgentProfile{
		Name:        cfg.Agent.Name,
		Description: cfg.Agent.Description,
		URI:         cfg.Agent.URI,
		Address:     owner,
	}

	fee, ok := new(big.Int).SetString(cfg.Registry.IssueFee, 10)
	if !ok {
		return nil, profile, xerrors.Newf(xerrors.CodeFatalConfig, "registry.issue_fee 无效: %q", cfg.Registry.IssueFee)
	}
	opts := []identity.Option{
		identity.WithRegistry(cfg.Registry.Address),
		identity.WithArtifactPath(cfg.Registry.Artifact),
		identity.WithIssueFee(fee),
		identity.WithSettleBlocks(cfg.Registry.SettleBlocks),
		identity.WithPolicy(policy),
	}
	registrar := identity.New(client, opts...)

	if cfg.Registry.Address == "" && !cfg.Registry.Bootstrap {
		return registrar, profile, nil
	}
	if owner == "" {
		return nil, profile, xerrors.New(xerrors.CodeFatalConfig, "登记代理需要配置 registry.owner")
	}

	if chain != nil {
		artifact, err := registrar.Artifact()
		if err != nil {
			return nil, profile, err
		}
		identity.Install(chain, artifact, fee)
		if chain.Balance(owner, "").Sign() == 0 {
			if err := chain.Fund(ctx, owner, "", new(big.Int).Mul(fee, big.NewInt(100))); err != nil {
				return nil, profile, err
			}
		}
	}

	registry := cfg.Registry.Address
	if registry == "" {
		deployed, err := registrar.Deploy(ctx, owner)
		if err != nil {
			return nil, profile, err
		}
		registry = deployed
		registrar = identity.New(client, append(opts, identity.WithRegistry(registry))...)
	}
	profile.Registry = registry

	tokenID, err := registrar.TokenID(ctx, registry)
	if err != nil {
		return nil, profile, err
	}
	if tokenID == "" && cfg.Registry.Bootstrap {
		tokenID, err = registrar.IssueToken(ctx, registry, owner, cfg.Agent.TokenName, cfg.Agent.TokenTicker)
		if err != nil {
			return nil, profile, err
		}
	}
	profile.TokenID = tokenID

	found, err := registrar.LookupAgent(ctx, registry, cfg.Agent.Name)
	switch {
	case err == nil:
		profile.URI = found.URI
		if found.Owner != "" {
			profile.Address = found.Owner
		}
	case xerrors.HasCode(err, identity.CodeAgentNotFound) && cfg.Registry.Bootstrap:
		agent := identity.AgentIdentity{
			Name:      cfg.Agent.Name,
			URI:       cfg.Agent.URI,
			PublicKey: [32]byte(common.HexToHash(cfg.Agent.PublicKey)),
			Services:  []identity.Service{{Name: "chat", Endpoint: cfg.Agent.URI + cfg.Server.BasePath + "/chat"}},
		}
		if _, err := registrar.RegisterAgent(ctx, registry, owner, agent); err != nil {
			return nil, profile, err
		}
	default:
		return nil, profile, err
	}

	lg.Info("代理身份已就绪",
		slog.String("registry", registry),
		slog.String("token_id", profile.TokenID),
		slog.String("agent", profile.Name),
	)
	return registrar, profile, nil
}
