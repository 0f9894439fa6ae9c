// Package ledgerrpc talks to the ledger over JSON-RPC and websocket
// subscriptions, and provides an in-memory paper ledger with the same surface.
package ledgerrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tranche/errs"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 250 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
	// DefaultCommitment is the confirmation level every query asks for.
	DefaultCommitment = "confirmed"

	component = "ledger/rpc"
)

// Client is a JSON-RPC 2.0 ledger client.
type Client struct {
	endpoint   string
	client     *http.Client
	maxRetries uint
	retryDelay time.Duration
	maxDelay   time.Duration
	logger     *log.Logger
	requestID  atomic.Uint64
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithMaxRetries sets how many times a transport failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = uint(n)
		}
	}
}

// WithRetryDelay sets the initial and maximum retry delay.
func WithRetryDelay(initial, max time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.retryDelay = initial
		}
		if max > 0 {
			c.maxDelay = max
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger sets the logger used for retry notices.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a ledger RPC client for endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		maxDelay:   DefaultMaxDelay,
		logger:     log.New(os.Stdout, "ledger-rpc ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error reported by the ledger node. It is never retried.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC call. Transport failures and 429/5xx responses
// are retried with exponential backoff; RPC errors are returned immediately.
func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("marshal request"), errs.WithCause(err))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.MaxInterval = c.maxDelay

	raw, err := backoff.Retry(ctx, func() (json.RawMessage, error) {
		return c.post(ctx, body)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.maxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Printf("%s failed, retrying in %s: %v", method, next, err)
		}),
	)
	if err != nil {
		return err
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return errs.New(component, errs.CodeLedger, errs.WithMessage("unmarshal "+method+" result"), errs.WithCause(err))
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(errs.New(component, errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err)))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork, errs.WithMessage("http request"), errs.WithCause(err))
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork, errs.WithMessage("read response"), errs.WithCause(err))
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("unexpected status %d", resp.StatusCode)),
			errs.WithField("body", truncate(respBody, 256)))
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(errs.New(component, errs.CodeLedger,
			errs.WithMessage(fmt.Sprintf("unexpected status %d", resp.StatusCode)),
			errs.WithField("body", truncate(respBody, 256))))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, errs.New(component, errs.CodeLedger, errs.WithMessage("unmarshal response"), errs.WithCause(err))
	}
	if rpcResp.Error != nil {
		return nil, backoff.Permanent(errs.New(component, errs.CodeLedger, errs.WithMessage(rpcResp.Error.Message), errs.WithCause(rpcResp.Error)))
	}
	return rpcResp.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

type contextValue[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

// SignatureStatus is the ledger's view of one submitted transaction.
type SignatureStatus struct {
	Slot               uint64  `json:"slot"`
	Confirmations      *uint64 `json:"confirmations"`
	Err                any     `json:"err"`
	ConfirmationStatus string  `json:"confirmationStatus"`
}

// Settled reports whether the transaction reached at least confirmed commitment.
func (s *SignatureStatus) Settled() bool {
	if s == nil {
		return false
	}
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized" || s.Err != nil
}

// Failed reports whether the ledger recorded the transaction as failed.
func (s *SignatureStatus) Failed() bool { return s != nil && s.Err != nil }

// GetSignatureStatuses returns the status of each signature, nil for unknown ones.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	if len(signatures) == 0 {
		return nil, nil
	}
	var result contextValue[[]*SignatureStatus]
	params := []any{signatures, map[string]any{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// GetBalance returns the lamport balance of owner.
func (c *Client) GetBalance(ctx context.Context, owner ledger.PublicKey) (uint64, error) {
	var result contextValue[uint64]
	params := []any{owner.String(), map[string]any{"commitment": DefaultCommitment}}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

type tokenAmount struct {
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

// GetTokenAccountBalance returns the raw token balance held by owner's
// associated token account for mint. A missing account reads as zero.
func (c *Client) GetTokenAccountBalance(ctx context.Context, owner, mint ledger.PublicKey) (uint64, error) {
	account, err := ledger.AssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, errs.New(component, errs.CodeInvalid, errs.WithCause(err))
	}
	var result contextValue[tokenAmount]
	params := []any{account.String(), map[string]any{"commitment": DefaultCommitment}}
	if err := c.call(ctx, "getTokenAccountBalance", params, &result); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == -32602 {
			return 0, nil
		}
		return 0, err
	}
	amount, err := strconv.ParseUint(result.Value.Amount, 10, 64)
	if err != nil {
		return 0, errs.New(component, errs.CodeLedger, errs.WithMessage("parse token amount"), errs.WithCause(err))
	}
	return amount, nil
}

// Blockhash is a recent blockhash and the last block height it stays valid for.
type Blockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// GetLatestBlockhash returns the blockhash new transactions are built against.
func (c *Client) GetLatestBlockhash(ctx context.Context) (Blockhash, error) {
	var result contextValue[Blockhash]
	params := []any{map[string]any{"commitment": DefaultCommitment}}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return Blockhash{}, err
	}
	return result.Value, nil
}

// SimulationResult is the outcome of a dry run.
type SimulationResult struct {
	Err           any      `json:"err"`
	Logs          []string `json:"logs"`
	UnitsConsumed uint64   `json:"unitsConsumed"`
}

// SimulateTransaction dry-runs a signed wire transaction.
func (c *Client) SimulateTransaction(ctx context.Context, tx []byte) (SimulationResult, error) {
	var result contextValue[SimulationResult]
	params := []any{
		base64.StdEncoding.EncodeToString(tx),
		map[string]any{"encoding": "base64", "commitment": DefaultCommitment, "sigVerify": false},
	}
	if err := c.call(ctx, "simulateTransaction", params, &result); err != nil {
		return SimulationResult{}, err
	}
	return result.Value, nil
}

// SendTransaction submits a signed wire transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	var signature string
	params := []any{
		base64.StdEncoding.EncodeToString(tx),
		map[string]any{"encoding": "base64", "skipPreflight": true, "maxRetries": 0},
	}
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	if _, err := ledger.ParseSignature(signature); err != nil {
		return "", errs.New(component, errs.CodeLedger, errs.WithMessage("invalid signature returned"), errs.WithCause(err))
	}
	return signature, nil
}
