package executors

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

func TestRemoteBuilderSignsReturnedMessage(t *testing.T) {
	signer, err := ledger.NewKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	receiver, _ := ledger.NewKeypair()
	message := []byte("compiled-message")

	var got buildBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(buildReply{Message: base64.StdEncoding.EncodeToString(message)})
	}))
	defer srv.Close()

	a := action.New(signer, []action.Step{action.Transfer{Asset: action.SOL(), Receiver: receiver.PublicKey(), Amount: action.Exact(10)}}, time.Now())
	plan := Plan{
		Signer:   signer.PublicKey(),
		FeePayer: signer.PublicKey(),
		Legs:     []Leg{{Step: a.Steps[0], Amount: 10}},
	}
	tx, err := NewRemoteBuilder(srv.URL, time.Second).Build(context.Background(), BuildRequest{Action: *a, Plan: plan, Blockhash: "hash"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if got.Blockhash != "hash" || len(got.Legs) != 1 || got.Legs[0].Kind != "transfer" || got.Legs[0].Amount != 10 {
		t.Fatalf("unexpected request body: %+v", got)
	}
	if got.Legs[0].Receiver == nil || *got.Legs[0].Receiver != receiver.PublicKey() {
		t.Fatalf("receiver not forwarded: %+v", got.Legs[0])
	}
	if len(tx) != 1+ledger.SignatureLength+len(message) || tx[0] != 1 {
		t.Fatalf("unexpected wire layout, len=%d", len(tx))
	}
	pub := signer.PublicKey()
	if !ed25519.Verify(pub[:], message, tx[1:1+ledger.SignatureLength]) {
		t.Fatalf("signature does not verify")
	}
}

func TestRemoteBuilderEmptyMessageMeansNoInstructions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"message":""}`))
	}))
	defer srv.Close()

	signer, _ := ledger.NewKeypair()
	a := action.New(signer, nil, time.Now())
	tx, err := NewRemoteBuilder(srv.URL, time.Second).Build(context.Background(), BuildRequest{Action: *a})
	if err != nil || len(tx) != 0 {
		t.Fatalf("expected empty transaction, got %d bytes err=%v", len(tx), err)
	}
}

func TestRemoteBuilderPropagatesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "pool unsupported", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	signer, _ := ledger.NewKeypair()
	a := action.New(signer, nil, time.Now())
	if _, err := NewRemoteBuilder(srv.URL, time.Second).Build(context.Background(), BuildRequest{Action: *a}); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}

func TestSignMessageAddsDistinctFeePayer(t *testing.T) {
	signer, _ := ledger.NewKeypair()
	payer, _ := ledger.NewKeypair()
	tx := SignMessage([]byte("m"), payer, signer)
	if tx[0] != 2 || len(tx) != 1+2*ledger.SignatureLength+1 {
		t.Fatalf("expected two signatures, got count=%d len=%d", tx[0], len(tx))
	}
	pub := payer.PublicKey()
	if !ed25519.Verify(pub[:], []byte("m"), tx[1:1+ledger.SignatureLength]) {
		t.Fatalf("fee payer must sign first")
	}
	if got := appendShortVec(nil, 300); len(got) != 2 || got[0] != 0xac || got[1] != 0x02 {
		t.Fatalf("unexpected short vec encoding %x", got)
	}
}
