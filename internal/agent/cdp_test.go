package agent

import (
	"context"
	"encoding/json"
	"testing"

	"AVA-Chain/internal/bus"
	"AVA-Chain/internal/recall"
	"AVA-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/crypto"
)

func newSigner(t *testing.T) *web3.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return web3.NewSignerFromKey(key)
}

func TestCDPSignsMessage(t *testing.T) {
	b := newTestBus()
	store := recall.NewMemory()
	c := listen(t, b, bus.ResultTopic(bus.RoleCDP))
	signer := newSigner(t)
	agent := NewCDP(b, store, signer, WithClock(clock))

	if err := agent.HandleEvent(context.Background(), assign(bus.RoleCDP, "c1", "sign hello base")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	res := c.result(t, bus.RoleCDP)
	if res.Status != "completed" {
		t.Fatalf("unexpected result %+v", res)
	}
	var sig web3.Signature
	if err := json.Unmarshal(res.Result, &sig); err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	recovered, err := web3.RecoverAddress("hello base", sig.Signature)
	if err != nil || recovered != signer.Address() {
		t.Fatalf("signature does not recover signer: %s err=%v", recovered, err)
	}

	rec, err := store.Retrieve(context.Background(), recall.ResponseKey(fixedNow))
	if err != nil {
		t.Fatalf("response intelligence missing: %v", err)
	}
	if rec.Metadata["type"] != "intelligence" || rec.Metadata["agent"] != "cdp" {
		t.Fatalf("unexpected metadata %+v", rec.Metadata)
	}
}

func TestCDPAddressAndErrors(t *testing.T) {
	signer := newSigner(t)
	agent := NewCDP(newTestBus(), nil, signer)

	out, err := agent.ProcessMessage(context.Background(), "address")
	if err != nil || out != "wallet address "+signer.Address() {
		t.Fatalf("unexpected output %q err=%v", out, err)
	}
	if _, err := agent.ProcessMessage(context.Background(), "sign"); err == nil {
		t.Fatalf("expected error for empty message")
	}
	if _, err := agent.ProcessMessage(context.Background(), "mint nft"); err == nil {
		t.Fatalf("expected error for unsupported verb")
	}
	if _, err := NewCDP(newTestBus(), nil, nil).ProcessMessage(context.Background(), "address"); err == nil {
		t.Fatalf("expected error without signer")
	}
}

func TestAgentsImplementInterface(t *testing.T) {
	b := newTestBus()
	for _, a := range []Agent{NewObserver(b, nil, nil), NewExecutor(b, nil, nil), NewCDP(b, nil, nil)} {
		if a.Name() != string(a.Role()) {
			t.Fatalf("default name should equal role, got %s/%s", a.Name(), a.Role())
		}
	}
}
