package main

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/sdk/go/gateway"
)

func (c *cli) newFundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fund ADDRESS AMOUNT",
		Short: "Set an account balance on the gateway simulator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := new(big.Int).SetString(args[1], 10); !ok {
				return xerrors.Newf(xerrors.CodeValidation, "amount %q is not an integer", args[1])
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			account := gateway.Account{Address: args[0], Balance: args[1], Token: c.v.GetString("token-id")}
			if err := client.SetState(ctx, account); err != nil {
				return err
			}
			return c.print(cmd, account, fmt.Sprintf("%s now holds %s %s", account.Address, account.Balance, displayToken(account.Token)))
		},
	}
	cmd.Flags().String("token-id", "", "token identifier, empty for the native token")
	return cmd
}

func (c *cli) newGenerateBlocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-blocks [N]",
		Short: "Mine blocks on the gateway simulator",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) == 1 {
				v, err := strconv.Atoi(args[0])
				if err != nil || v <= 0 {
					return xerrors.Newf(xerrors.CodeValidation, "block count %q must be a positive integer", args[0])
				}
				n = v
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			head, err := client.GenerateBlocks(ctx, n)
			if err != nil {
				return err
			}
			return c.print(cmd, map[string]uint64{"head": head}, fmt.Sprintf("head %d", head))
		},
	}
}

func (c *cli) newPayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay SESSION_ID",
		Short: "Pay a session on the gateway simulator",
		Long:  "pay reads the session's payment requirement from the gateway and submits the matching transfer, memo included, through the simulator.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from := c.v.GetString("from")
			if from == "" {
				return xerrors.New(xerrors.CodeValidation, "--from is required")
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			resp, err := client.Chat(ctx, "payment", args[0])
			if err != nil {
				return err
			}
			if !resp.PaymentRequired() {
				return xerrors.Newf(xerrors.CodeValidation, "session %s is already paid", args[0])
			}
			transfer := gateway.Transfer{
				From:   from,
				To:     resp.Payment.Recipient,
				Token:  resp.Payment.Token,
				Amount: firstNonEmpty(c.v.GetString("amount"), resp.Payment.Amount),
				Memo:   resp.Payment.Reference,
			}
			hash, err := client.Transfer(ctx, transfer)
			if err != nil {
				return err
			}
			if blocks := c.v.GetInt("mine"); blocks > 0 {
				if _, err := client.GenerateBlocks(ctx, blocks); err != nil {
					return err
				}
			}
			return c.print(cmd, map[string]string{"sessionId": args[0], "txHash": hash}, hash)
		},
	}
	cmd.Flags().String("from", "", "paying account")
	cmd.Flags().String("amount", "", "override the quoted amount")
	cmd.Flags().Int("mine", 1, "blocks to mine after submitting")
	return cmd
}

func (c *cli) newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat MESSAGE",
		Short: "Send a chat message, printing the payment requirement for unpaid sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			message := strings.Join(args, " ")
			session := c.v.GetString("session")

			if c.v.GetBool("stream") && session != "" {
				out := cmd.OutOrStdout()
				err := client.StreamChat(ctx, message, session, func(ev gateway.Event) error {
					switch ev.Type {
					case "delta":
						_, err := fmt.Fprint(out, ev.Text)
						return err
					case "error":
						return xerrors.Newf(xerrors.Code(ev.Code), "stream failed: %s", ev.Message)
					}
					return nil
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out)
				return err
			}

			resp, err := client.Chat(ctx, message, session)
			if err != nil {
				return err
			}
			if resp.PaymentRequired() {
				p := resp.Payment
				text := fmt.Sprintf("payment required for session %s\npay %s %s to %s with memo %s",
					resp.SessionID, p.Amount, displayToken(p.Token), p.Recipient, p.Reference)
				return c.print(cmd, gateway.PaymentRequired{SessionID: resp.SessionID, Payment: *p}, text)
			}
			return c.print(cmd, resp, resp.Reply)
		},
	}
	cmd.Flags().String("session", "", "session id, empty to open a new session")
	cmd.Flags().Bool("stream", false, "stream the reply as it is produced")
	return cmd
}

func (c *cli) newConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm SESSION_ID TX_HASH",
		Short: "Confirm a session payment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			var conf gateway.Confirmation
			if interval := c.v.GetDuration("wait"); interval > 0 {
				conf, err = client.WaitForConfirmation(ctx, args[0], args[1], interval)
			} else {
				conf, err = client.ConfirmPayment(ctx, args[0], args[1])
			}
			if err != nil {
				return err
			}
			text := fmt.Sprintf("session %s %s", conf.SessionID, conf.Status)
			if conf.JobID != "" {
				text += ", job " + conf.JobID
			}
			return c.print(cmd, conf, text)
		},
	}
	cmd.Flags().Duration("wait", 0, "poll interval while the transaction is pending, 0 to return immediately")
	return cmd
}

func (c *cli) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status SESSION_ID",
		Short: "Show the state of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			sess, err := client.Session(ctx, args[0])
			if err != nil {
				return err
			}
			text := fmt.Sprintf("session %s %s", sess.SessionID, sess.State)
			if sess.JobID != "" {
				text += fmt.Sprintf(", job %s %s", sess.JobID, sess.JobStatus)
			}
			return c.print(cmd, sess, text)
		},
	}
}

func (c *cli) newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download JOB_ID",
		Short: "Download the report produced by a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			report, err := client.Download(ctx, args[0])
			if err != nil {
				return err
			}
			dest := c.v.GetString("output")
			if dest == "-" {
				_, err := cmd.OutOrStdout().Write(report.Body)
				return err
			}
			if dest == "" {
				dest = firstNonEmpty(report.Name, args[0]+".md")
			}
			if info, err := os.Stat(dest); err == nil && info.IsDir() {
				dest = filepath.Join(dest, firstNonEmpty(report.Name, args[0]+".md"))
			}
			if err := os.WriteFile(dest, report.Body, 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return c.print(cmd, map[string]any{"path": dest, "bytes": len(report.Body)}, fmt.Sprintf("saved %s (%d bytes)", dest, len(report.Body)))
		},
	}
	cmd.Flags().StringP("output", "o", "", "destination file or directory, - for stdout")
	return cmd
}

func displayToken(token string) string {
	if token == "" {
		return "native"
	}
	return token
}
