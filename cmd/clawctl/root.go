package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"OpenClaw-Gateway/sdk/go/gateway"
)

// cli 持有命令共享的配置。参数优先级：命令行 > CLAWCTL_* 环境变量 > 配置文件 > 默认值。
type cli struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	c.v.SetEnvPrefix("CLAWCTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "clawctl",
		Short:         "Operate an OpenClaw payment-gated gateway",
		Long:          "clawctl manages the on-chain agent identity, funds the development chain and drives paid chat sessions against an OpenClaw gateway.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			path := c.v.GetString("config-file")
			if path == "" {
				return nil
			}
			c.v.SetConfigFile(path)
			if err := c.v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", path, err)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config-file", "", "optional clawctl config file (yaml, json or toml)")
	flags.String("gateway", "http://localhost:8080/api", "gateway base URL including the API base path")
	flags.String("token", "", "operator token for simulator routes")
	flags.Duration("timeout", 60*time.Second, "overall timeout of one command")
	flags.Bool("json", false, "print JSON instead of text")
	_ = c.v.BindPFlags(flags)

	root.AddCommand(
		c.newDeployCmd(),
		c.newIssueTokenCmd(),
		c.newRegisterAgentCmd(),
		c.newLookupAgentCmd(),
		c.newFundCmd(),
		c.newGenerateBlocksCmd(),
		c.newPayCmd(),
		c.newChatCmd(),
		c.newConfirmCmd(),
		c.newStatusCmd(),
		c.newDownloadCmd(),
		c.newTokenCmd(),
	)
	return root
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if d := c.v.GetDuration("timeout"); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (c *cli) client() (*gateway.Client, error) {
	client, err := gateway.NewClient(c.v.GetString("gateway"), nil)
	if err != nil {
		return nil, err
	}
	if token := c.v.GetString("token"); token != "" {
		client.SetAccessToken(token)
	}
	return client, nil
}

// print 输出 JSON 或者 text 中的一种。
func (c *cli) print(cmd *cobra.Command, value any, text string) error {
	if c.v.GetBool("json") {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}
