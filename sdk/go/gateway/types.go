package gateway

import (
	"math/big"
	"time"
)

// Health is the /health response.
type Health struct {
	Status string `json:"status"`
	Ledger struct {
		ChainID string `json:"chainId"`
		Head    uint64 `json:"head"`
		Error   string `json:"error,omitempty"`
	} `json:"ledger"`
}

// Pricing is the advertised price of one paid session. Amount is in the
// token's smallest unit.
type Pricing struct {
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Decimals  int32  `json:"decimals"`
	Display   string `json:"display"`
	Recipient string `json:"recipient"`
}

// Agent is the registered agent profile.
type Agent struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	URI         string  `json:"uri"`
	Address     string  `json:"address"`
	Registry    string  `json:"registry,omitempty"`
	TokenID     string  `json:"tokenId,omitempty"`
	Pricing     Pricing `json:"pricing"`
}

// Payment describes the transfer that unlocks a session. Reference must be
// sent as the transaction memo.
type Payment struct {
	Amount    string     `json:"amount"`
	Token     string     `json:"token"`
	Recipient string     `json:"recipient"`
	Reference string     `json:"reference"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// AmountInt parses Amount.
func (p Payment) AmountInt() (*big.Int, bool) {
	return new(big.Int).SetString(p.Amount, 10)
}

// PaymentRequired is the 402 body of /chat.
type PaymentRequired struct {
	SessionID string  `json:"sessionId"`
	Payment   Payment `json:"payment"`
}

// ChatResponse is the result of Chat. Payment is set when the session still
// needs to be paid.
type ChatResponse struct {
	SessionID string   `json:"sessionId"`
	JobID     string   `json:"jobId,omitempty"`
	Reply     string   `json:"reply"`
	Events    []Event  `json:"events"`
	Payment   *Payment `json:"-"`
}

// PaymentRequired reports whether the session must be paid first.
func (r ChatResponse) PaymentRequired() bool {
	return r.Payment != nil
}

// Session is a snapshot of a session returned by /sessions/{id}.
type Session struct {
	SessionID     string     `json:"sessionId"`
	State         string     `json:"state"`
	Payment       Payment    `json:"payment"`
	TxHash        string     `json:"txHash,omitempty"`
	AmountPaid    string     `json:"amountPaid,omitempty"`
	JobID         string     `json:"jobId,omitempty"`
	JobStatus     string     `json:"jobStatus,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
}

// Confirmation is the /chat/confirm-payment response.
type Confirmation struct {
	Status      string     `json:"status"`
	SessionID   string     `json:"sessionId"`
	JobID       string     `json:"jobId,omitempty"`
	TxHash      string     `json:"txHash,omitempty"`
	AmountPaid  string     `json:"amountPaid,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Pending reports whether the transaction was not final yet.
func (c Confirmation) Pending() bool {
	return c.Status == "pending"
}

// Event is one job or chat stream event.
type Event struct {
	Type        string    `json:"type"`
	JobID       string    `json:"jobId,omitempty"`
	Seq         int       `json:"seq"`
	Message     string    `json:"message,omitempty"`
	Text        string    `json:"text,omitempty"`
	Percent     int       `json:"percent,omitempty"`
	Code        string    `json:"code,omitempty"`
	ArtifactKey string    `json:"artifactKey,omitempty"`
	At          time.Time `json:"at"`
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Type == "complete" || e.Type == "error"
}

// Job is the job status returned by /jobs/{id}.
type Job struct {
	ID          string `json:"jobId"`
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxRetries  int    `json:"maxRetries"`
	LastError   string `json:"lastError,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	ArtifactKey string `json:"artifactKey,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Report is a downloaded artifact.
type Report struct {
	Name        string
	ContentType string
	Body        []byte
}

// Transaction is a simulator transaction record.
type Transaction struct {
	Hash          string `json:"hash"`
	From          string `json:"from"`
	To            string `json:"to"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	Memo          string `json:"memo"`
	Block         uint64 `json:"block"`
	Confirmations uint64 `json:"confirmations"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// Account funds one simulator account.
type Account struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Token   string `json:"token,omitempty"`
}

// Transfer is a simulator transfer request.
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

type confirmRequest struct {
	SessionID string `json:"sessionId"`
	TxHash    string `json:"txHash"`
}
