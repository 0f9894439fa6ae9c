package executors

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

const maxBuilderResponse = 1 << 20

// RemoteBuilder asks an instruction service for the unsigned transaction
// message of a plan and signs it locally. Secrets never leave the process.
type RemoteBuilder struct {
	endpoint string
	client   *http.Client
}

// NewRemoteBuilder returns a builder posting plans to endpoint.
func NewRemoteBuilder(endpoint string, timeout time.Duration) *RemoteBuilder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteBuilder{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type buildLeg struct {
	Kind         string            `json:"kind"`
	Mint         *ledger.PublicKey `json:"mint,omitempty"`
	Receiver     *ledger.PublicKey `json:"receiver,omitempty"`
	Pool         *ledger.PublicKey `json:"pool,omitempty"`
	Method       string            `json:"method,omitempty"`
	Amount       uint64            `json:"amount"`
	MinAmountOut uint64            `json:"minAmountOut,omitempty"`
	Rent         uint64            `json:"rent,omitempty"`
	Close        bool              `json:"close,omitempty"`
}

type buildBody struct {
	ActionID  string           `json:"actionId"`
	Signer    ledger.PublicKey `json:"signer"`
	FeePayer  ledger.PublicKey `json:"feePayer"`
	Blockhash string           `json:"blockhash"`
	Legs      []buildLeg       `json:"legs"`
}

type buildReply struct {
	// Message is the base64 serialized message; empty when no instruction applies.
	Message string `json:"message"`
}

// Build implements TxBuilder.
func (b *RemoteBuilder) Build(ctx context.Context, req BuildRequest) ([]byte, error) {
	body := buildBody{
		ActionID:  req.Action.ID.String(),
		Signer:    req.Plan.Signer,
		FeePayer:  req.Plan.FeePayer,
		Blockhash: req.Blockhash,
		Legs:      make([]buildLeg, 0, len(req.Plan.Legs)),
	}
	for _, leg := range req.Plan.Legs {
		body.Legs = append(body.Legs, encodeLeg(leg))
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode build request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call builder: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBuilderResponse))
	if err != nil {
		return nil, fmt.Errorf("read builder response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("builder returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	var reply buildReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode builder response: %w", err)
	}
	if reply.Message == "" {
		return nil, nil
	}
	message, err := base64.StdEncoding.DecodeString(reply.Message)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return SignMessage(message, req.Action.FeePayer, req.Action.Signer), nil
}

func encodeLeg(leg Leg) buildLeg {
	out := buildLeg{Amount: leg.Amount, Rent: leg.Rent, Close: leg.Close}
	switch step := leg.Step.(type) {
	case action.Transfer:
		out.Kind = "transfer"
		receiver := step.Receiver
		out.Receiver = &receiver
		if !step.Asset.IsSOL() {
			mint := step.Asset.Mint
			out.Mint = &mint
		}
	case action.Swap:
		out.Kind = "swap"
		pool := step.Pool.ID
		out.Pool = &pool
		out.Method = step.Method.String()
		out.MinAmountOut = step.MinAmountOut
	default:
		out.Kind = leg.Step.StepKind()
	}
	return out
}

// SignMessage assembles a wire transaction: a compact-u16 signature count,
// one signature per distinct signer with the fee payer first, then message.
func SignMessage(message []byte, feePayer, signer ledger.Keypair) []byte {
	signers := []ledger.Keypair{feePayer}
	if signer.PublicKey() != feePayer.PublicKey() {
		signers = append(signers, signer)
	}
	out := make([]byte, 0, 1+len(signers)*ledger.SignatureLength+len(message))
	out = appendShortVec(out, len(signers))
	for _, k := range signers {
		sig := k.Sign(message)
		out = append(out, sig[:]...)
	}
	return append(out, message...)
}

func appendShortVec(out []byte, n int) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
