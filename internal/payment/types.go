package payment

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/ledger"
)

const (
	CodeAlreadyClaimed xerrors.Code = "PAYMENT_ALREADY_CLAIMED"
)

func init() {
	xerrors.Register(CodeAlreadyClaimed, xerrors.Attributes{Message: "transaction already pays another session", Severity: xerrors.SeverityWarning, Status: http.StatusConflict})
}

// Requirement 是会话需要满足的付款要求，签发后不可修改。
type Requirement struct {
	Amount    *big.Int
	Token     string
	Recipient string
	Reference string
	ExpiresAt time.Time
}

type requirementJSON struct {
	Amount    string     `json:"amount"`
	Token     string     `json:"token"`
	Recipient string     `json:"recipient"`
	Reference string     `json:"reference,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// MarshalJSON 以十进制字符串输出金额。
func (r Requirement) MarshalJSON() ([]byte, error) {
	out := requirementJSON{Token: r.Token, Recipient: r.Recipient, Reference: r.Reference}
	if r.Amount != nil {
		out.Amount = r.Amount.String()
	}
	if !r.ExpiresAt.IsZero() {
		at := r.ExpiresAt.UTC()
		out.ExpiresAt = &at
	}
	return json.Marshal(out)
}

// UnmarshalJSON 解析 MarshalJSON 的输出。
func (r *Requirement) UnmarshalJSON(data []byte) error {
	var in requirementJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Requirement{Token: in.Token, Recipient: in.Recipient, Reference: in.Reference}
	if in.Amount != "" {
		amount, ok := new(big.Int).SetString(in.Amount, 10)
		if !ok {
			return fmt.Errorf("invalid payment amount %q", in.Amount)
		}
		r.Amount = amount
	}
	if in.ExpiresAt != nil {
		r.ExpiresAt = *in.ExpiresAt
	}
	return nil
}

// Expired 报告要求在 now 时刻是否已过期。
func (r Requirement) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Kind 是校验结论的类别。
type Kind string

const (
	Confirmed          Kind = "confirmed"
	InsufficientAmount Kind = "insufficient_amount"
	NotFound           Kind = "not_found"
	NotYetFinal        Kind = "not_yet_final"
)

// Verdict 是一次校验的结论。AmountPaid 仅在 Confirmed 时有意义。
type Verdict struct {
	Kind       Kind
	AmountPaid *big.Int
	Detail     string
	Tx         *ledger.TxRecord
}

// Confirmed 报告结论是否允许会话进入已确认状态。
func (v Verdict) Confirmed() bool {
	return v.Kind == Confirmed
}

func (v Verdict) String() string {
	if v.Detail == "" {
		return string(v.Kind)
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

// NormalizeRef 规范化交易引用，作为去重键。
func NormalizeRef(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}
