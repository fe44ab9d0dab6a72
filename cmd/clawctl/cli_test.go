package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"OpenClaw-Gateway/internal/auth"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// fakeGateway 模拟网关 /api 下的会话与模拟器接口。
type fakeGateway struct {
	mu        sync.Mutex
	paid      bool
	transfers []map[string]string
	mined     int
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message   string `json:"message"`
			SessionID string `json:"sessionId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		paid := g.paid
		g.mu.Unlock()
		if !paid || req.SessionID == "" {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"sessionId": "s-1",
				"payment": map[string]string{
					"amount":    "500000",
					"token":     "USDC",
					"recipient": "0xc1a0",
					"reference": "s-1",
				},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessionId": req.SessionID, "jobId": "job-1", "reply": "echo: " + req.Message})
	})
	mux.HandleFunc("POST /api/simulator/transfer", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.transfers = append(g.transfers, body)
		g.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"txHash": "0xabc"})
	})
	mux.HandleFunc("POST /api/simulator/generate-blocks/{n}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.mined++
		g.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]uint64{"head": 42})
	})
	mux.HandleFunc("POST /api/simulator/set-state", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer op-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"code": "UNAUTHORIZED", "message": "missing token"}})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/chat/confirm-payment", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"sessionId"`
			TxHash    string `json:"txHash"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.SessionID != "s-1" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "SESSION_NOT_FOUND", "message": "session not found"}})
			return
		}
		g.mu.Lock()
		g.paid = true
		g.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed", "sessionId": req.SessionID, "jobId": "job-1", "txHash": req.TxHash})
	})
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sessionId": r.PathValue("id"), "state": "CONFIRMED", "jobId": "job-1", "jobStatus": "running"})
	})
	mux.HandleFunc("GET /api/download/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/markdown")
		w.Header().Set("Content-Disposition", `attachment; filename="report-job-1.md"`)
		_, _ = w.Write([]byte("# Report\n"))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeGateway(t *testing.T) (*fakeGateway, string) {
	t.Helper()
	g := &fakeGateway{}
	ts := httptest.NewServer(g.handler())
	t.Cleanup(ts.Close)
	return g, ts.URL + "/api"
}

func TestChatPrintsPaymentRequirement(t *testing.T) {
	t.Parallel()
	_, url := newFakeGateway(t)

	out, _, err := executeCLI(t, "--gateway", url, "chat", "Research", "X")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(out, "payment required for session s-1") || !strings.Contains(out, "500000 USDC to 0xc1a0 with memo s-1") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPayConfirmChatDownload(t *testing.T) {
	t.Parallel()
	g, url := newFakeGateway(t)

	out, _, err := executeCLI(t, "--gateway", url, "pay", "s-1", "--from", "0xa11ce", "--mine", "2")
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if strings.TrimSpace(out) != "0xabc" {
		t.Fatalf("unexpected pay output %q", out)
	}
	g.mu.Lock()
	if len(g.transfers) != 1 || g.mined != 1 {
		t.Fatalf("expected one transfer and one mining call, got %d/%d", len(g.transfers), g.mined)
	}
	tr := g.transfers[0]
	g.mu.Unlock()
	if tr["from"] != "0xa11ce" || tr["to"] != "0xc1a0" || tr["amount"] != "500000" || tr["token"] != "USDC" || tr["memo"] != "s-1" {
		t.Fatalf("transfer does not match the quote: %+v", tr)
	}

	out, _, err = executeCLI(t, "--gateway", url, "--json", "confirm", "s-1", "0xabc")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	var conf map[string]any
	if err := json.Unmarshal([]byte(out), &conf); err != nil {
		t.Fatalf("decode confirm output: %v (%q)", err, out)
	}
	if conf["status"] != "confirmed" || conf["jobId"] != "job-1" {
		t.Fatalf("unexpected confirmation %+v", conf)
	}

	if _, _, err := executeCLI(t, "--gateway", url, "pay", "s-1", "--from", "0xa11ce"); err == nil || !strings.Contains(err.Error(), "already paid") {
		t.Fatalf("expected already paid error, got %v", err)
	}

	out, _, err = executeCLI(t, "--gateway", url, "chat", "--session", "s-1", "hello")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if strings.TrimSpace(out) != "echo: hello" {
		t.Fatalf("unexpected reply %q", out)
	}

	out, _, err = executeCLI(t, "--gateway", url, "status", "s-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.TrimSpace(out) != "session s-1 CONFIRMED, job job-1 running" {
		t.Fatalf("unexpected status %q", out)
	}

	dir := t.TempDir()
	if _, _, err := executeCLI(t, "--gateway", url, "download", "job-1", "-o", dir); err != nil {
		t.Fatalf("download: %v", err)
	}
	body, err := os.ReadFile(filepath.Join(dir, "report-job-1.md"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if string(body) != "# Report\n" {
		t.Fatalf("unexpected report %q", body)
	}
}

func TestConfirmUnknownSession(t *testing.T) {
	t.Parallel()
	_, url := newFakeGateway(t)

	_, _, err := executeCLI(t, "--gateway", url, "confirm", "missing", "0xabc")
	if err == nil || !strings.Contains(err.Error(), "SESSION_NOT_FOUND") {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func TestFundSendsOperatorToken(t *testing.T) {
	t.Parallel()
	_, url := newFakeGateway(t)

	if _, _, err := executeCLI(t, "--gateway", url, "fund", "0xa11ce", "100"); err == nil {
		t.Fatal("expected unauthorized without a token")
	}
	out, _, err := executeCLI(t, "--gateway", url, "--token", "op-token", "fund", "0xa11ce", "100", "--token-id", "USDC")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if !strings.Contains(out, "0xa11ce now holds 100 USDC") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, _, err := executeCLI(t, "--gateway", url, "fund", "0xa11ce", "ten"); err == nil {
		t.Fatal("expected amount validation error")
	}
}

func TestGatewayFromEnvironment(t *testing.T) {
	_, url := newFakeGateway(t)
	t.Setenv("CLAWCTL_GATEWAY", url)

	out, _, err := executeCLI(t, "generate-blocks", "3")
	if err != nil {
		t.Fatalf("generate-blocks: %v", err)
	}
	if strings.TrimSpace(out) != "head 42" {
		t.Fatalf("unexpected output %q", out)
	}
	if _, _, err := executeCLI(t, "generate-blocks", "0"); err == nil {
		t.Fatal("expected block count validation error")
	}
}

func TestTokenIssuesOperatorJWT(t *testing.T) {
	t.Parallel()

	out, _, err := executeCLI(t, "token", "ops", "--secret", "s3cret", "--perm", auth.PermSimulator)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeJWT, Secret: "s3cret", Issuer: "openclawd"})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	subject, err := svc.Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject.Name != "ops" || !subject.HasPermission(auth.PermSimulator) {
		t.Fatalf("unexpected subject %+v", subject)
	}
}

func TestRegisterAgentValidatesPublicKey(t *testing.T) {
	t.Parallel()

	_, _, err := executeCLI(t, "register-agent", "claw", "--public-key", "0x1234")
	if err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Fatalf("expected public key validation error, got %v", err)
	}
}
