package simulator

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/ledger"
)

// Handler 暴露模拟链的开发接口：
//
//	GET  /network/config
//	POST /simulator/set-state
//	POST /simulator/generate-blocks/{n}
//	POST /simulator/transfer
//	GET  /simulator/tx/{hash}
func Handler(chain *Chain) http.Handler {
	mux := http.NewServeMux()
	h := &handler{chain: chain}
	mux.HandleFunc("GET /network/config", h.networkConfig)
	mux.HandleFunc("POST /simulator/set-state", h.setState)
	mux.HandleFunc("POST /simulator/generate-blocks/{n}", h.generateBlocks)
	mux.HandleFunc("POST /simulator/transfer", h.transfer)
	mux.HandleFunc("GET /simulator/tx/{hash}", h.transaction)
	return mux
}

type handler struct {
	chain *Chain
}

// AccountState 是 set-state 请求中的单个账户。
type AccountState struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Token   string `json:"token,omitempty"`
}

// TransferBody 是 transfer 请求体。
type TransferBody struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

func (h *handler) networkConfig(w http.ResponseWriter, r *http.Request) {
	info, err := h.chain.ChainInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"config": map[string]any{
				"erd_chain_id": info.ChainID,
				"head":         info.Head,
			},
		},
		"erd_chain_id": info.ChainID,
		"head":         info.Head,
	})
}

func (h *handler) setState(w http.ResponseWriter, r *http.Request) {
	var accounts []AccountState
	if err := json.NewDecoder(r.Body).Decode(&accounts); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败"))
		return
	}
	for _, acct := range accounts {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(acct.Balance), 10)
		if !ok || strings.TrimSpace(acct.Address) == "" {
			writeError(w, xerrors.Newf(xerrors.CodeValidation, "账户 %q 的余额无效", acct.Address))
			return
		}
		if err := h.chain.SetBalance(acct.Address, acct.Token, amount); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": len(accounts)})
}

func (h *handler) generateBlocks(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n <= 0 {
		writeError(w, xerrors.New(xerrors.CodeValidation, "出块数量必须为正整数"))
		return
	}
	head, err := h.chain.GenerateBlocks(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"head": head})
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) {
	var body TransferBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败"))
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(body.Amount), 10)
	if !ok {
		writeError(w, xerrors.Newf(xerrors.CodeValidation, "金额无效: %q", body.Amount))
		return
	}
	hash, err := h.chain.Transfer(r.Context(), transferRequest(body, amount))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"txHash": hash})
}

func (h *handler) transaction(w http.ResponseWriter, r *http.Request) {
	rec, err := h.chain.Transaction(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hash":          rec.Hash,
		"from":          rec.From,
		"to":            rec.To,
		"token":         rec.Token,
		"amount":        rec.Amount.String(),
		"memo":          string(rec.Memo),
		"block":         rec.Block,
		"confirmations": rec.Confirmations,
		"status":        rec.Status,
		"reason":        rec.Reason,
	})
}

func transferRequest(body TransferBody, amount *big.Int) ledger.TransferRequest {
	return ledger.TransferRequest{
		From:   body.From,
		To:     body.To,
		Token:  body.Token,
		Amount: amount,
		Memo:   []byte(body.Memo),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, xerrors.HTTPStatusOf(err), map[string]any{
		"error": map[string]string{"code": string(code), "message": message},
	})
}
