package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"OpenClaw-Gateway/internal/config"
	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/ledger"
	"OpenClaw-Gateway/internal/ledger/simulator"
)

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	return path
}

func TestRegistryLoadsSimulatorChains(t *testing.T) {
	t.Parallel()
	path := writeChains(t, `
default: dev
chains:
  dev:
    type: simulator
    chain_id: localnet
    native: egld
    activation_height: 5
    notes: local development chain
  staging:
    type: simulator
`)

	reg, err := NewRegistry(context.Background(), config.LedgerConfig{ChainConfig: path}, "")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if got := reg.Chains(); len(got) != 2 || got[0] != "dev" || got[1] != "staging" {
		t.Fatalf("unexpected chains %v", got)
	}
	client, err := reg.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	info, err := client.ChainInfo(context.Background())
	if err != nil {
		t.Fatalf("chain info: %v", err)
	}
	if info.ChainID != "localnet" || info.Notes != "local development chain" {
		t.Fatalf("unexpected chain info %+v", info)
	}
	if err := client.(ledger.Readiness).Ready(context.Background()); xerrors.CodeOf(err) != ledger.CodeNotReady {
		t.Fatalf("expected activation height to apply, got %v", err)
	}
	if chain, ok := client.(*simulator.Chain); !ok || chain.NativeToken() != "EGLD" {
		t.Fatalf("unexpected client %T", client)
	}
}

func TestRegistryFallsBackToDriver(t *testing.T) {
	t.Parallel()
	cfg := config.Default("").Ledger

	reg, err := NewRegistry(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)
	if reg.DefaultName() != "default" {
		t.Fatalf("unexpected default %s", reg.DefaultName())
	}
	if _, ok := reg.Client("default"); !ok {
		t.Fatal("expected default client")
	}
}

func TestRegistryRejectsBadDefinitions(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown type":    "chains:\n  x:\n    type: solana\n",
		"missing default": "default: prod\nchains:\n  dev:\n    type: simulator\n",
		"evm without rpc": "chains:\n  main:\n    type: evm\n",
	}
	for name, content := range cases {
		path := writeChains(t, content)
		if _, err := NewRegistry(context.Background(), config.LedgerConfig{ChainConfig: path}, ""); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	if _, err := NewRegistry(context.Background(), config.LedgerConfig{ChainConfig: filepath.Join(t.TempDir(), "missing.yaml")}, ""); xerrors.CodeOf(err) != xerrors.CodeFatalConfig {
		t.Fatalf("expected fatal config for missing file, got %v", err)
	}
}
