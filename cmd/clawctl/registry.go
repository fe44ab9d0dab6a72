package main

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"OpenClaw-Gateway/internal/config"
	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/identity"
	"OpenClaw-Gateway/internal/ledger"
	"OpenClaw-Gateway/internal/ledger/provider"
)

// registrarSession 绑定一次命令使用的链客户端与注册器。
type registrarSession struct {
	registrar *identity.Registrar
	registry  string
	owner     string
	chains    *provider.Registry
}

func (s *registrarSession) Close() {
	if s.chains != nil {
		s.chains.Close()
	}
}

func addLedgerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("config", "configs/openclaw.json", "gateway config supplying ledger and registry settings")
	flags.String("chain", "", "chain name from the chain definitions file")
	flags.String("rpc-url", "", "EVM JSON-RPC endpoint, overrides the config")
	flags.String("signer-key", "", "hex private key used to sign ledger writes")
	flags.String("registry", "", "identity registry contract address")
	flags.String("owner", "", "owner account, defaults to registry.owner")
}

// openRegistrar 读取网关配置并按命令行覆盖项连接账本。
func (c *cli) openRegistrar(ctx context.Context) (*registrarSession, error) {
	cfg, err := config.Load(c.v.GetString("config"))
	if err != nil {
		return nil, err
	}
	lc := cfg.Ledger
	if v := c.v.GetString("chain"); v != "" {
		lc.Chain = v
	}
	if v := c.v.GetString("rpc-url"); v != "" {
		lc.RPCURL = v
		lc.ChainConfig = ""
		lc.Driver = "evm"
	}
	if strings.EqualFold(lc.Driver, "simulator") && lc.ChainConfig == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "the in-process simulator lives inside openclawd; point --rpc-url at a real chain or use the gateway simulator commands")
	}
	signer := c.v.GetString("signer-key")
	if signer == "" {
		signer = cfg.SignerKey()
	}

	chains, err := provider.NewRegistry(ctx, lc, signer)
	if err != nil {
		return nil, err
	}
	client, err := chains.DefaultClient()
	if err != nil {
		chains.Close()
		return nil, err
	}

	fee, ok := new(big.Int).SetString(cfg.Registry.IssueFee, 10)
	if !ok {
		chains.Close()
		return nil, xerrors.Newf(xerrors.CodeFatalConfig, "invalid registry.issue_fee %q", cfg.Registry.IssueFee)
	}
	registry := firstNonEmpty(c.v.GetString("registry"), cfg.Registry.Address)
	policy := ledger.Policy{
		MaxAttempts: cfg.Ledger.Retry.MaxAttempts,
		Delay:       cfg.Ledger.Retry.Delay(),
		Multiplier:  cfg.Ledger.Retry.Multiplier,
		MaxDelay:    cfg.Ledger.Retry.MaxDelay(),
	}
	registrar := identity.New(ledger.WithRetry(client, policy),
		identity.WithRegistry(registry),
		identity.WithArtifactPath(cfg.Registry.Artifact),
		identity.WithIssueFee(fee),
		identity.WithSettleBlocks(cfg.Registry.SettleBlocks),
		identity.WithPolicy(policy),
	)
	return &registrarSession{
		registrar: registrar,
		registry:  registry,
		owner:     firstNonEmpty(c.v.GetString("owner"), cfg.Registry.Owner),
		chains:    chains,
	}, nil
}

func (s *registrarSession) requireOwner() error {
	if s.owner == "" {
		return xerrors.New(xerrors.CodeValidation, "owner is required (--owner or registry.owner)")
	}
	return nil
}

func (s *registrarSession) requireRegistry() error {
	if s.registry == "" {
		return xerrors.New(xerrors.CodeValidation, "registry address is required (--registry or registry.address)")
	}
	return nil
}

func (c *cli) newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the identity registry contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			s, err := c.openRegistrar(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireOwner(); err != nil {
				return err
			}
			address, err := s.registrar.Deploy(ctx, s.owner)
			if err != nil {
				return err
			}
			return c.print(cmd, map[string]string{"registry": address, "owner": s.owner}, address)
		},
	}
	addLedgerFlags(cmd)
	return cmd
}

func (c *cli) newIssueTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue the agent token on the identity registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			s, err := c.openRegistrar(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireOwner(); err != nil {
				return err
			}
			if err := s.requireRegistry(); err != nil {
				return err
			}
			tokenID, err := s.registrar.IssueToken(ctx, s.registry, s.owner, c.v.GetString("name"), c.v.GetString("ticker"))
			if err != nil {
				return err
			}
			return c.print(cmd, map[string]string{"registry": s.registry, "tokenId": tokenID}, tokenID)
		},
	}
	addLedgerFlags(cmd)
	cmd.Flags().String("name", "ClawAgent", "token display name")
	cmd.Flags().String("ticker", "CLAW", "token ticker")
	return cmd
}

func (c *cli) newRegisterAgentCmd() *cobra.Command {
	var (
		metadata map[string]string
		services map[string]string
	)
	cmd := &cobra.Command{
		Use:   "register-agent NAME",
		Short: "Register an agent identity on the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := identity.AgentIdentity{Name: args[0], URI: c.v.GetString("uri")}
			if key := c.v.GetString("public-key"); key != "" {
				if !isHex32(key) {
					return xerrors.New(xerrors.CodeValidation, "public key must be 32 bytes of hex")
				}
				agent.PublicKey = [32]byte(common.HexToHash(key))
			}
			for _, k := range sortedKeys(metadata) {
				agent.Metadata = append(agent.Metadata, identity.Metadata{Key: k, Value: []byte(metadata[k])})
			}
			for _, k := range sortedKeys(services) {
				agent.Services = append(agent.Services, identity.Service{Name: k, Endpoint: services[k]})
			}

			ctx, cancel := c.context(cmd)
			defer cancel()
			s, err := c.openRegistrar(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireOwner(); err != nil {
				return err
			}
			if err := s.requireRegistry(); err != nil {
				return err
			}
			id, err := s.registrar.RegisterAgent(ctx, s.registry, s.owner, agent)
			if err != nil {
				return err
			}
			agent.RecordID = id
			agent.Owner = s.owner
			return c.print(cmd, agent, fmt.Sprintf("registered %s as record %d", agent.Name, id))
		},
	}
	addLedgerFlags(cmd)
	cmd.Flags().String("uri", "", "agent URI")
	cmd.Flags().String("public-key", "", "32-byte hex public key")
	cmd.Flags().StringToStringVar(&metadata, "metadata", nil, "metadata entries key=value")
	cmd.Flags().StringToStringVar(&services, "service", nil, "service endpoints name=url")
	return cmd
}

func (c *cli) newLookupAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup-agent NAME",
		Short: "Read an agent identity from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			s, err := c.openRegistrar(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireRegistry(); err != nil {
				return err
			}
			agent, err := s.registrar.LookupAgent(ctx, s.registry, args[0])
			if err != nil {
				return err
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%s (record %d)\nowner: %s\nuri:   %s", agent.Name, agent.RecordID, agent.Owner, agent.URI)
			for _, svc := range agent.Services {
				fmt.Fprintf(&b, "\nservice %s: %s", svc.Name, svc.Endpoint)
			}
			return c.print(cmd, agent, b.String())
		},
	}
	addLedgerFlags(cmd)
	return cmd
}
