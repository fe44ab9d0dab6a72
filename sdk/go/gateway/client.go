// Package gateway is a Go client for the OpenClaw payment-gated session
// gateway.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streaming calls are bounded by the caller's context.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the HTTP interactions with the gateway REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client. rawURL includes the API base path, for
// example http://localhost:8080/api. When httpClient is nil, a default client
// with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the operator token sent with simulator calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Health reports the gateway and ledger status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.get(ctx, "/health", &out)
	return out, err
}

// Agent returns the registered agent profile and its pricing.
func (c *Client) Agent(ctx context.Context) (Agent, error) {
	var out Agent
	err := c.get(ctx, "/agent", &out)
	return out, err
}

// Chat sends a message. An unpaid session yields a ChatResponse with Payment
// set; a confirmed session yields the assembled reply.
func (c *Client) Chat(ctx context.Context, message, sessionID string) (ChatResponse, error) {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/chat", chatRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return ChatResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		var body PaymentRequired
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return ChatResponse{}, fmt.Errorf("decode payment requirement: %w", err)
		}
		return ChatResponse{SessionID: body.SessionID, Payment: &body.Payment}, nil
	case resp.StatusCode >= 400:
		return ChatResponse{}, decodeAPIError(resp)
	}
	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChatResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// StreamChat sends a message for a confirmed session and invokes fn for every
// server-sent event until the stream ends. Unpaid sessions return an
// *APIError with status 402.
func (c *Client) StreamChat(ctx context.Context, message, sessionID string, fn func(Event) error) error {
	req, err := c.jsonRequest(ctx, http.MethodPost, "/chat", chatRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamingClient().Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return ctx.Err()
}

// ConfirmPayment submits a transaction hash for a session. While the
// transaction is not final the result has Status "pending" and no error.
func (c *Client) ConfirmPayment(ctx context.Context, sessionID, txHash string) (Confirmation, error) {
	var out Confirmation
	err := c.post(ctx, "/chat/confirm-payment", confirmRequest{SessionID: sessionID, TxHash: txHash}, &out)
	return out, err
}

// WaitForConfirmation re-submits the hash every interval until the payment is
// confirmed, rejected, or ctx ends.
func (c *Client) WaitForConfirmation(ctx context.Context, sessionID, txHash string, interval time.Duration) (Confirmation, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		conf, err := c.ConfirmPayment(ctx, sessionID, txHash)
		if err != nil || !conf.Pending() {
			return conf, err
		}
		select {
		case <-ctx.Done():
			return conf, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download fetches a finished report.
func (c *Client) Download(ctx context.Context, jobID string) (Report, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/download/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Report{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Report{}, decodeAPIError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Report{}, fmt.Errorf("read report: %w", err)
	}
	return Report{
		Name:        filenameOf(resp.Header.Get("Content-Disposition")),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// Session returns the current state of a session.
func (c *Client) Session(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	err := c.get(ctx, "/sessions/"+url.PathEscape(sessionID), &out)
	return out, err
}

// Job returns the current status of a job.
func (c *Client) Job(ctx context.Context, jobID string) (Job, error) {
	var out Job
	err := c.get(ctx, "/jobs/"+url.PathEscape(jobID), &out)
	return out, err
}

// FollowJob streams job events over the websocket endpoint until a terminal
// event arrives or ctx ends.
func (c *Client) FollowJob(ctx context.Context, jobID string, fn func(Event) error) error {
	u := c.endpoint("/jobs/" + url.PathEscape(jobID) + "/ws")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return decodeAPIError(resp)
		}
		return fmt.Errorf("dial job stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read job stream: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
}

func (c *Client) streamingClient() *http.Client {
	if c.httpClient.Timeout == 0 {
		return c.httpClient
	}
	clone := *c.httpClient
	clone.Timeout = 0
	return &clone
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	req, err := c.jsonRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) jsonRequest(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) endpoint(p string) *url.URL {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, p)
	u.RawPath = ""
	return &u
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(endpoint).String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		var wrapped struct {
			Error *APIError `json:"error"`
		}
		wrapped.Error = apiErr
		if err := json.Unmarshal(data, &wrapped); err != nil {
			// flat payloads from proxies
			_ = json.Unmarshal(data, apiErr)
		}
		apiErr.StatusCode = resp.StatusCode
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func filenameOf(disposition string) string {
	for _, part := range strings.Split(disposition, ";") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(part), "filename="); ok {
			if unq, err := strconv.Unquote(v); err == nil {
				return unq
			}
			return v
		}
	}
	return ""
}
