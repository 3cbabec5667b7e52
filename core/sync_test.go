package core

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func TestSyncManagerStatusInitiallyInactive(t *testing.T) {
	s := openTestStorage(t)
	state := NewStateStore()
	m := NewSyncManager(nil, s, state, testChainConfig(), nil, nil)
	if m.Status().Active {
		t.Fatalf("expected a freshly built sync manager to be inactive")
	}
}

func TestSyncManagerApplyBlockAcceptsValidBlock(t *testing.T) {
	s := openTestStorage(t)
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	fp := PublicKeyFingerprint(kp.Public)
	sender := AddressFromPublic(kp.Public)

	genesis := buildTestBlock(t, nil, fp, kp, nil)
	if err := s.StoreBlock(genesis); err != nil {
		t.Fatalf("StoreBlock genesis: %v", err)
	}

	assembleState := NewStateStore()
	assembleState.AddBalance(sender, uint256.NewInt(1_000_000))
	var to Address
	to[0] = 9
	tx := newSignedTransfer(t, kp, to, 5, 0)
	child := buildTestBlock(t, genesis, fp, kp, []*Transaction{tx})
	AssembleBlock(child, assembleState)
	child.Header.Sign(kp)

	state := NewStateStore()
	state.AddBalance(sender, uint256.NewInt(1_000_000))
	m := NewSyncManager(nil, s, state, testChainConfig(), nil, nil)
	if err := m.applyBlock(child); err != nil {
		t.Fatalf("applyBlock: %v", err)
	}
	if !s.BlockExists(child.Hash()) {
		t.Fatalf("expected applyBlock to persist the block")
	}
}

func TestSyncManagerApplyBlockRejectsInvalidParentLink(t *testing.T) {
	s := openTestStorage(t)
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	fp := PublicKeyFingerprint(kp.Public)
	genesis := buildTestBlock(t, nil, fp, kp, nil)
	if err := s.StoreBlock(genesis); err != nil {
		t.Fatalf("StoreBlock genesis: %v", err)
	}

	child := buildTestBlock(t, genesis, fp, kp, nil)
	child.Header.PreviousHash = Hash{0xff}
	child.Header.Sign(kp)

	state := NewStateStore()
	m := NewSyncManager(nil, s, state, testChainConfig(), nil, nil)
	if err := m.applyBlock(child); !IsKind(err, KindInvalidParent) {
		t.Fatalf("expected KindInvalidParent, got %v", err)
	}
}

func TestSyncManagerOnNewBlockHashesSkipsKnownBlocks(t *testing.T) {
	s := openTestStorage(t)
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	fp := PublicKeyFingerprint(kp.Public)
	block := buildTestBlock(t, nil, fp, kp, nil)
	if err := s.StoreBlock(block); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}

	state := NewStateStore()
	m := NewSyncManager(nil, s, state, testChainConfig(), nil, nil)
	if err := m.OnNewBlockHashes(nil, []Hash{block.Hash()}); err != nil {
		t.Fatalf("expected no error when every announced hash is already known, got %v", err)
	}
}

func TestSyncManagerStartStopToggleStatus(t *testing.T) {
	s := openTestStorage(t)
	state := NewStateStore()
	n := newTestNode(t, "aichain-test", Hash{0x01})
	m := NewSyncManager(n, s, state, testChainConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	if !m.Status().Active {
		t.Fatalf("expected Active=true after Start")
	}
	m.Stop()
	if m.Status().Active {
		t.Fatalf("expected Active=false after Stop")
	}
	time.Sleep(10 * time.Millisecond) // let the loop goroutine observe quit
}
