package core

import "testing"

func TestMerkleTreeEmpty(t *testing.T) {
	tree := NewMerkleTree(nil)
	want := Sha256(ZeroHash[:])
	if tree.Root() != want {
		t.Fatalf("empty tree root = %v, want hash of the zero leaf", tree.Root())
	}
}

func TestMerkleTreeSingleLeaf(t *testing.T) {
	leaf := []byte("only transaction")
	tree := NewMerkleTree([][]byte{leaf})
	if tree.Root() != Sha256(leaf) {
		t.Fatalf("single-leaf tree root should equal the leaf's hash")
	}
}

func TestMerkleTreeProofRoundTrip(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}
	tree := NewMerkleTree(leaves)
	root := tree.Root()

	for i, leaf := range leaves {
		proof, err := tree.Proof(i)
		if err != nil {
			t.Fatalf("Proof(%d): %v", i, err)
		}
		if !VerifyProof(leaf, proof, i, root) {
			t.Fatalf("proof for leaf %d failed to verify", i)
		}
	}
}

func TestMerkleTreeProofOutOfRange(t *testing.T) {
	tree := NewMerkleTree([][]byte{[]byte("a")})
	if _, err := tree.Proof(-1); err == nil {
		t.Fatalf("expected error for negative index")
	}
	if _, err := tree.Proof(5); err == nil {
		t.Fatalf("expected error for out-of-range index")
	}
}

func TestVerifyProofRejectsWrongLeaf(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	tree := NewMerkleTree(leaves)
	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	if VerifyProof([]byte("tampered"), proof, 0, tree.Root()) {
		t.Fatalf("expected verification to fail for a different leaf")
	}
}

func TestMerkleTreeOddLeafCountDuplicatesLast(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	tree := NewMerkleTree(leaves)
	proof, err := tree.Proof(2)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	if !VerifyProof(leaves[2], proof, 2, tree.Root()) {
		t.Fatalf("proof for the duplicated final leaf should still verify")
	}
}
