package core

import "testing"

func TestHeaderSignAndHash(t *testing.T) {
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	h := &Header{Version: 1, Height: 10, Timestamp: 100, GasLimit: 1000}
	before := h.Hash()
	h.Sign(kp)
	after := h.Hash()
	if before != after {
		t.Fatalf("Signature should not be part of the header hash preimage")
	}

	var sig [65]byte
	copy(sig[0:64], h.Signature[:])
	if !Verify(h.signingBytes(), sig, kp.Public.SerializeCompressed()) {
		t.Fatalf("expected the header signature to verify")
	}
}

func TestBlockHashDelegatesToHeader(t *testing.T) {
	b := &Block{Header: Header{Height: 5}}
	if b.Hash() != b.Header.Hash() {
		t.Fatalf("Block.Hash() should equal Header.Hash()")
	}
}

func TestBlockCheckStructure(t *testing.T) {
	b := &Block{Header: Header{GasLimit: 100, GasUsed: 50}}
	if err := b.CheckStructure(); err != nil {
		t.Fatalf("expected valid structure, got %v", err)
	}

	bad := &Block{Header: Header{GasLimit: 50, GasUsed: 100}}
	if err := bad.CheckStructure(); err == nil {
		t.Fatalf("expected error when gas_used exceeds gas_limit")
	}
}

func TestTxsRootEmptyVsNonEmpty(t *testing.T) {
	empty := TxsRoot(nil)
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	var to Address
	to[0] = 1
	tx := newSignedTransfer(t, kp, to, 1, 0)
	nonEmpty := TxsRoot([]*Transaction{tx})
	if empty == nonEmpty {
		t.Fatalf("expected different roots for an empty and non-empty transaction set")
	}
}

func TestReceiptsRootDeterministic(t *testing.T) {
	var addr Address
	addr[0] = 1
	r := &Receipt{From: addr, GasUsed: 21000, Status: 1}
	root1 := ReceiptsRoot([]*Receipt{r})
	root2 := ReceiptsRoot([]*Receipt{r})
	if root1 != root2 {
		t.Fatalf("ReceiptsRoot should be deterministic for the same receipts")
	}
}
