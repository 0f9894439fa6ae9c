package ledger

import "testing"

func TestAssociatedTokenAddressIsDeterministicAndOffCurve(t *testing.T) {
	owner, err := NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	if !owner.PublicKey().IsOnCurve() {
		t.Fatalf("expected wallet key on curve")
	}
	mintA, _ := NewKeypair()
	mintB, _ := NewKeypair()

	first, err := AssociatedTokenAddress(owner.PublicKey(), mintA.PublicKey())
	if err != nil {
		t.Fatalf("AssociatedTokenAddress: %v", err)
	}
	again, err := AssociatedTokenAddress(owner.PublicKey(), mintA.PublicKey())
	if err != nil {
		t.Fatalf("AssociatedTokenAddress: %v", err)
	}
	if first != again {
		t.Fatalf("expected deterministic derivation")
	}
	if first.IsOnCurve() {
		t.Fatalf("derived token account must be off curve")
	}
	other, err := AssociatedTokenAddress(owner.PublicKey(), mintB.PublicKey())
	if err != nil {
		t.Fatalf("AssociatedTokenAddress: %v", err)
	}
	if other == first {
		t.Fatalf("expected distinct token accounts per mint")
	}
}

func TestCreateProgramAddressRejectsLongSeeds(t *testing.T) {
	seed := make([]byte, maxSeedLength+1)
	if _, err := CreateProgramAddress([][]byte{seed}, TokenProgramID); err == nil {
		t.Fatalf("expected error for oversized seed")
	}
}
