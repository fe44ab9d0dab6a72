// Command examples walks through one paid session against a running gateway
// whose development simulator is exposed.
//
//	OPENCLAW_URL=http://localhost:8080/api OPENCLAW_PAYER=0x...a11ce go run ./sdk/go/examples
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"OpenClaw-Gateway/sdk/go/gateway"
)

func main() {
	baseURL := envOr("OPENCLAW_URL", "http://localhost:8080/api")
	payer := envOr("OPENCLAW_PAYER", "0x00000000000000000000000000000000000a11ce")

	client, err := gateway.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}
	client.SetAccessToken(os.Getenv("OPENCLAW_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	agent, err := client.Agent(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("talking to %s, price %s\n", agent.Name, agent.Pricing.Display)

	resp, err := client.Chat(ctx, "Research the stablecoin market", "")
	if err != nil {
		panic(err)
	}
	if !resp.PaymentRequired() {
		panic("expected a payment requirement for a new session")
	}
	p := resp.Payment
	fmt.Printf("session %s needs %s %s sent to %s\n", resp.SessionID, p.Amount, p.Token, p.Recipient)

	if err := client.SetState(ctx, gateway.Account{Address: payer, Token: p.Token, Balance: p.Amount}); err != nil {
		panic(err)
	}
	hash, err := client.Transfer(ctx, gateway.Transfer{From: payer, To: p.Recipient, Token: p.Token, Amount: p.Amount, Memo: p.Reference})
	if err != nil {
		panic(err)
	}
	if _, err := client.GenerateBlocks(ctx, 1); err != nil {
		panic(err)
	}

	conf, err := client.WaitForConfirmation(ctx, resp.SessionID, hash, time.Second)
	if err != nil {
		panic(err)
	}
	fmt.Printf("payment %s confirmed, job %s\n", hash, conf.JobID)

	err = client.FollowJob(ctx, conf.JobID, func(ev gateway.Event) error {
		if ev.Type == "delta" {
			fmt.Print(ev.Text)
		}
		return nil
	})
	if err != nil {
		panic(err)
	}
	fmt.Println()

	report, err := client.Download(ctx, conf.JobID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("downloaded %s (%d bytes)\n", report.Name, len(report.Body))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
