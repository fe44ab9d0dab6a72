package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "openclaw.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `{"agent":{"name":"claw"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.Agent.Name != "claw" || cfg.Agent.URI == "" {
		t.Fatalf("unexpected agent %+v", cfg.Agent)
	}
	if cfg.Server.Address != ":8080" || cfg.Server.BasePath != "/api" {
		t.Fatalf("unexpected server %+v", cfg.Server)
	}
	if cfg.Payment.Token != "USDC" || cfg.Payment.Amount != "500000" || cfg.Payment.Decimals != 6 {
		t.Fatalf("unexpected payment %+v", cfg.Payment)
	}
	if !cfg.Payment.RequireMemoEnabled() || cfg.Payment.VerifyDelay() != 500*time.Millisecond {
		t.Fatalf("unexpected payment verification defaults %+v", cfg.Payment)
	}
	if cfg.Payment.ClaimStore != "memory" || cfg.Session.Store != "memory" {
		t.Fatalf("claims should follow the session store, got %q/%q", cfg.Payment.ClaimStore, cfg.Session.Store)
	}
	if cfg.Ledger.Driver != "simulator" || !cfg.Ledger.Simulator.ExposeEnabled() {
		t.Fatalf("unexpected ledger %+v", cfg.Ledger)
	}
	if cfg.Session.Timeout() != 15*time.Minute || cfg.Session.Retention() != 24*time.Hour {
		t.Fatalf("unexpected session durations %s/%s", cfg.Session.Timeout(), cfg.Session.Retention())
	}
	if cfg.Jobs.StreamTimeout() != 2*time.Minute || cfg.Jobs.MaxRetries != 3 {
		t.Fatalf("unexpected jobs %+v", cfg.Jobs)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data dir not resolved: %s", cfg.Runtime.DataDir)
	}
	if cfg.Reports.Dir != filepath.Join(dir, "data", "reports") {
		t.Fatalf("reports dir not resolved: %s", cfg.Reports.Dir)
	}
	if cfg.Registry.Artifact != filepath.Join(dir, "artifacts", "identity-registry.json") {
		t.Fatalf("artifact not resolved: %s", cfg.Registry.Artifact)
	}
}

func TestBasePathNormalisation(t *testing.T) {
	t.Parallel()
	for input, want := range map[string]string{"api/": "/api", "/": "", "/v1/gw": "/v1/gw"} {
		cfg := Config{Server: ServerConfig{BasePath: input}}
		cfg.ApplyDefaults("")
		if cfg.Server.BasePath != want {
			t.Fatalf("base path %q: got %q, want %q", input, cfg.Server.BasePath, want)
		}
	}
}

func TestValidateRejectsInconsistentBackends(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		body string
		want string
	}{
		"amount":        {`{"payment":{"amount":"0.5"}}`, "payment.amount"},
		"zero amount":   {`{"payment":{"amount":"0"}}`, "payment.amount"},
		"overpayment":   {`{"payment":{"overpayment":"refund"}}`, "payment.overpayment"},
		"evm":           {`{"ledger":{"driver":"evm"}}`, "ledger.rpc_url"},
		"driver":        {`{"ledger":{"driver":"solana"}}`, "solana"},
		"mysql dsn":     {`{"session":{"store":"mysql"}}`, "storage.mysql.dsn"},
		"redis address": {`{"jobs":{"queue":"redis"}}`, "storage.redis.address"},
		"redis jobs":    {`{"jobs":{"store":"redis"},"storage":{"redis":{"address":"localhost:6379"}}}`, "jobs.store"},
		"rabbitmq url":  {`{"jobs":{"queue":"rabbitmq"}}`, "jobs.rabbitmq.url"},
		"reports":       {`{"reports":{"store":"s3"}}`, "s3"},
		"openai key":    {`{"llm":{"provider":"openai"}}`, "api_key"},
		"jwt secret":    {`{"auth":{"mode":"jwt"}}`, "secret"},
	}
	for name, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", name, tc.want, err)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, `{"server":`)); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestSecretsPreferEnvironment(t *testing.T) {
	t.Setenv("CLAW_TEST_SIGNER", "0xfeed")
	t.Setenv("CLAW_TEST_AUTH", "from-env")

	cfg := Default("")
	cfg.Ledger.SignerKey = "0xfile"
	cfg.Ledger.SignerEnv = "CLAW_TEST_SIGNER"
	cfg.Auth.Secret = "from-file"
	cfg.Auth.SecretEnv = "CLAW_TEST_AUTH"
	cfg.LLM.APIKey = " sk-file "
	cfg.LLM.APIKeyEnv = "CLAW_TEST_UNSET_KEY"

	if got := cfg.SignerKey(); got != "0xfeed" {
		t.Fatalf("signer key: got %q", got)
	}
	if got := cfg.AuthSecret(); got != "from-env" {
		t.Fatalf("auth secret: got %q", got)
	}
	if got := cfg.LLMAPIKey(); got != "sk-file" {
		t.Fatalf("llm key should fall back to the file value, got %q", got)
	}
}

func TestShippedConfigLoads(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join("..", "..", "configs", "openclaw.json"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if !cfg.Registry.Bootstrap || cfg.Ledger.Driver != "simulator" {
		t.Fatalf("unexpected shipped config %+v", cfg.Registry)
	}
	if _, err := os.Stat(cfg.Registry.Artifact); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
}
