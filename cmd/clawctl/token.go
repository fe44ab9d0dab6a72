package main

import (
	"time"

	"github.com/spf13/cobra"

	"OpenClaw-Gateway/internal/auth"
	"OpenClaw-Gateway/internal/config"
)

func (c *cli) newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue an operator token signed with the gateway auth secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := config.AuthConfig{Mode: string(auth.ModeJWT), Issuer: c.v.GetString("issuer")}
			secret := c.v.GetString("secret")
			if secret == "" {
				cfg, err := config.Load(c.v.GetString("config"))
				if err != nil {
					return err
				}
				authCfg = cfg.Auth
				authCfg.Mode = string(auth.ModeJWT)
				secret = cfg.AuthSecret()
			}
			svc, err := auth.NewService(auth.ConfigFrom(authCfg, secret))
			if err != nil {
				return err
			}
			perms := c.v.GetStringSlice("perm")
			token, expires, err := svc.Issue(args[0], perms, c.v.GetDuration("ttl"))
			if err != nil {
				return err
			}
			return c.print(cmd, map[string]any{"token": token, "expiresAt": expires.UTC().Format(time.RFC3339), "permissions": perms},
				token)
		},
	}
	flags := cmd.Flags()
	flags.String("config", "configs/openclaw.json", "gateway config supplying auth settings when --secret is empty")
	flags.String("secret", "", "HMAC secret, overrides the config")
	flags.String("issuer", "openclawd", "issuer claim used with --secret")
	flags.StringSlice("perm", []string{auth.PermSimulator}, "permissions granted by the token")
	flags.Duration("ttl", time.Hour, "token lifetime")
	return cmd
}
