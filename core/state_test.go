package core

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestAccountIsEmpty(t *testing.T) {
	if !emptyAccount().IsEmpty() {
		t.Fatalf("a freshly-built empty account should report IsEmpty")
	}
	a := emptyAccount()
	a.Nonce = 1
	if a.IsEmpty() {
		t.Fatalf("an account with a non-zero nonce should not be empty")
	}
}

func TestStateStoreBalanceAndNonce(t *testing.T) {
	s := NewStateStore()
	var addr Address
	addr[0] = 1

	s.AddBalance(addr, uint256.NewInt(100))
	if s.Balance(addr).Uint64() != 100 {
		t.Fatalf("expected balance 100, got %s", s.Balance(addr))
	}
	s.IncrementNonce(addr)
	if s.Nonce(addr) != 1 {
		t.Fatalf("expected nonce 1, got %d", s.Nonce(addr))
	}

	if err := s.SubBalance(addr, uint256.NewInt(50)); err != nil {
		t.Fatalf("SubBalance: %v", err)
	}
	if s.Balance(addr).Uint64() != 50 {
		t.Fatalf("expected balance 50 after debit, got %s", s.Balance(addr))
	}

	if err := s.SubBalance(addr, uint256.NewInt(1000)); err == nil {
		t.Fatalf("expected insufficient balance error")
	}
}

func TestStateStoreTransfer(t *testing.T) {
	s := NewStateStore()
	var from, to Address
	from[0] = 1
	to[0] = 2

	s.AddBalance(from, uint256.NewInt(100))
	if err := s.Transfer(from, to, uint256.NewInt(40)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if s.Balance(from).Uint64() != 60 {
		t.Fatalf("expected sender balance 60, got %s", s.Balance(from))
	}
	if s.Balance(to).Uint64() != 40 {
		t.Fatalf("expected recipient balance 40, got %s", s.Balance(to))
	}

	if err := s.Transfer(from, to, uint256.NewInt(1000)); err == nil {
		t.Fatalf("expected insufficient balance error on overdraft transfer")
	}
	if s.Balance(from).Uint64() != 60 {
		t.Fatalf("failed transfer must not mutate sender balance")
	}
}

func TestStateStoreStakeLifecycle(t *testing.T) {
	s := NewStateStore()
	var addr Address
	addr[0] = 3

	s.AddStake(addr, uint256.NewInt(500))
	if s.GetStake(addr).Uint64() != 500 {
		t.Fatalf("expected stake 500, got %s", s.GetStake(addr))
	}
	if err := s.SubStake(addr, uint256.NewInt(200)); err != nil {
		t.Fatalf("SubStake: %v", err)
	}
	if s.GetStake(addr).Uint64() != 300 {
		t.Fatalf("expected stake 300 after withdrawal, got %s", s.GetStake(addr))
	}
	if err := s.SubStake(addr, uint256.NewInt(1000)); err == nil {
		t.Fatalf("expected stake underflow error")
	}
}

func TestStateStoreRewardsClaim(t *testing.T) {
	s := NewStateStore()
	var addr Address
	addr[0] = 4

	if _, err := s.ClaimRewards(addr); err == nil {
		t.Fatalf("expected error claiming rewards with nothing pending")
	}

	s.AddReward(addr, uint256.NewInt(77))
	claimed, err := s.ClaimRewards(addr)
	if err != nil {
		t.Fatalf("ClaimRewards: %v", err)
	}
	if claimed.Uint64() != 77 {
		t.Fatalf("expected claimed amount 77, got %s", claimed)
	}
	if s.Balance(addr).Uint64() != 77 {
		t.Fatalf("expected claimed rewards credited to balance")
	}
	if !s.GetPendingRewards(addr).IsZero() {
		t.Fatalf("pending rewards should be zeroed after claim")
	}
}

func TestStateStoreValidatorMeta(t *testing.T) {
	s := NewStateStore()
	var addr Address
	addr[0] = 5

	if _, ok := s.GetValidatorMeta(addr); ok {
		t.Fatalf("expected no validator metadata before it is set")
	}
	meta := ValidatorMeta{Active: true}
	meta.PublicKey[0] = 0xaa
	s.SetValidatorMeta(addr, meta)

	got, ok := s.GetValidatorMeta(addr)
	if !ok || got.PublicKey[0] != 0xaa || !got.Active {
		t.Fatalf("expected to read back the set validator metadata, got %+v", got)
	}

	s.Commit()
	all := s.AllValidatorMeta()
	if all[addr].PublicKey[0] != 0xaa {
		t.Fatalf("expected committed metadata to appear in AllValidatorMeta")
	}
}

func TestStateStoreSnapshotRollback(t *testing.T) {
	s := NewStateStore()
	var addr Address
	addr[0] = 6

	s.AddBalance(addr, uint256.NewInt(10))
	snap := s.Snapshot()
	s.AddBalance(addr, uint256.NewInt(90))
	if s.Balance(addr).Uint64() != 100 {
		t.Fatalf("expected balance 100 before rollback, got %s", s.Balance(addr))
	}

	if err := s.RollbackTo(snap); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	if s.Balance(addr).Uint64() != 10 {
		t.Fatalf("expected balance 10 after rollback, got %s", s.Balance(addr))
	}

	if err := s.RollbackTo(99); err == nil {
		t.Fatalf("expected error rolling back to a non-existent snapshot")
	}
}

func TestStateStoreCommitAndStateRootDeterministic(t *testing.T) {
	s1 := NewStateStore()
	s2 := NewStateStore()
	var a, b Address
	a[0], b[0] = 1, 2

	s1.AddBalance(a, uint256.NewInt(10))
	s1.AddBalance(b, uint256.NewInt(20))
	s2.AddBalance(b, uint256.NewInt(20))
	s2.AddBalance(a, uint256.NewInt(10))

	root1 := s1.Commit()
	root2 := s2.Commit()
	if root1 != root2 {
		t.Fatalf("state root should not depend on write order: %v != %v", root1, root2)
	}

	s1.AddBalance(a, uint256.NewInt(1))
	if s1.StateRoot() != root1 {
		t.Fatalf("uncommitted write must not affect StateRoot until Commit")
	}
}

func TestStateStoreContractCode(t *testing.T) {
	s := NewStateStore()
	var addr Address
	addr[0] = 7

	if _, ok := s.GetContractCode(addr); ok {
		t.Fatalf("expected no code before SetContractCode")
	}
	s.SetContractCode(addr, []byte{0x60, 0x01})
	code, ok := s.GetContractCode(addr)
	if !ok || len(code) != 2 {
		t.Fatalf("expected to read back stored code")
	}
}
