package core

import (
	"testing"

	"github.com/holiman/uint256"
)

func testRollupConfig() RollupConfig {
	return RollupConfig{
		ChallengePeriodBlocks: 10,
		MaxDeviationPercent:   5.0,
		SlashAmount:           uint256.NewInt(100),
		FraudProofReward:      uint256.NewInt(50),
	}
}

func TestCommitmentHashDeterministic(t *testing.T) {
	var m1, agg Address
	m1[0], agg[0] = 1, 2
	consensus := map[Address]float64{m1: 0.75}

	h1 := CommitmentHash("subnet-a", 1, consensus, Hash{0x01}, 1000, agg)
	h2 := CommitmentHash("subnet-a", 1, consensus, Hash{0x01}, 1000, agg)
	if h1 != h2 {
		t.Fatalf("CommitmentHash should be deterministic for identical inputs")
	}

	h3 := CommitmentHash("subnet-b", 1, consensus, Hash{0x01}, 1000, agg)
	if h1 == h3 {
		t.Fatalf("different subnet UIDs should hash differently")
	}
}

func TestNewCommitmentAndSign(t *testing.T) {
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	var m1, agg Address
	m1[0] = 1
	agg = AddressFromPublic(kp.Public)
	consensus := map[Address]float64{m1: 0.8}
	validatorScores := map[Address][]float64{agg: {0.8}}
	cfg := testRollupConfig()

	c := NewCommitment("subnet-a", 1, consensus, validatorScores, Hash{0x01}, 1000, agg, 50, cfg)
	if c.Status != StatusPending {
		t.Fatalf("expected a freshly built commitment to be pending")
	}
	if c.FinalizeAtBlock != 60 {
		t.Fatalf("expected FinalizeAtBlock = currentBlock + ChallengePeriodBlocks = 60, got %d", c.FinalizeAtBlock)
	}

	c.Sign(kp)
	var zero [65]byte
	if c.AggregatorSig == zero {
		t.Fatalf("expected Sign to populate AggregatorSig")
	}
}

func TestSubmitFraudProofAcceptedOnDeviation(t *testing.T) {
	state := NewStateStore()
	registry := NewValidatorRegistry()
	var m1, agg, challenger Address
	m1[0], agg[0], challenger[0] = 1, 2, 3

	registry.AddValidator(agg, [32]byte{}, uint256.NewInt(1000))
	state.AddStake(agg, uint256.NewInt(1000))

	consensus := map[Address]float64{m1: 0.5}
	validatorScores := map[Address][]float64{agg: {0.9}} // actual computed score is 0.9 squared by the bonding curve, 0.81
	weights := map[Address]float64{agg: 1.0}

	cfg := testRollupConfig()
	c := NewCommitment("subnet-a", 1, consensus, validatorScores, Hash{0x01}, 1000, agg, 0, cfg)

	proof := &FraudProof{CommitmentHash: c.CommitmentHash, ChallengerID: challenger, Miner: m1, ClaimedScore: 0.5}
	scoringCfg := DefaultScoringConfig()
	if err := SubmitFraudProof(c, proof, weights, scoringCfg, cfg, state, registry); err != nil {
		t.Fatalf("SubmitFraudProof: %v", err)
	}
	if c.Status != StatusChallenged {
		t.Fatalf("expected commitment challenged after an accepted fraud proof")
	}
	if state.GetStake(agg).Uint64() != 900 {
		t.Fatalf("expected aggregator stake debited by SlashAmount=100, got %s", state.GetStake(agg))
	}
	if state.GetPendingRewards(challenger).Uint64() != 50 {
		t.Fatalf("expected challenger rewarded FraudProofReward=50, got %s", state.GetPendingRewards(challenger))
	}
}

func TestSubmitFraudProofRejectedWithinTolerance(t *testing.T) {
	state := NewStateStore()
	registry := NewValidatorRegistry()
	var m1, agg, challenger Address
	m1[0], agg[0], challenger[0] = 1, 2, 3
	registry.AddValidator(agg, [32]byte{}, uint256.NewInt(1000))

	consensus := map[Address]float64{m1: 0.5}
	validatorScores := map[Address][]float64{agg: {0.81}}
	weights := map[Address]float64{agg: 1.0}
	cfg := testRollupConfig()
	c := NewCommitment("subnet-a", 1, consensus, validatorScores, Hash{0x01}, 1000, agg, 0, cfg)

	claimed := bondingCurve(0.81, DefaultScoringConfig().BondingExponent)
	proof := &FraudProof{CommitmentHash: c.CommitmentHash, ChallengerID: challenger, Miner: m1, ClaimedScore: claimed}
	if err := SubmitFraudProof(c, proof, weights, DefaultScoringConfig(), cfg, state, registry); !IsKind(err, KindInvalidFraudProof) {
		t.Fatalf("expected KindInvalidFraudProof for a claim matching the actual score, got %v", err)
	}
	if c.Status != StatusPending {
		t.Fatalf("rejected fraud proof must not change commitment status")
	}
}

func TestSubmitFraudProofRejectsNonPendingCommitment(t *testing.T) {
	state := NewStateStore()
	registry := NewValidatorRegistry()
	var m1, agg, challenger Address
	m1[0] = 1
	cfg := testRollupConfig()
	consensus := map[Address]float64{m1: 0.5}
	c := NewCommitment("subnet-a", 1, consensus, map[Address][]float64{agg: {0.5}}, Hash{}, 1000, agg, 0, cfg)
	c.Status = StatusFinalized

	proof := &FraudProof{CommitmentHash: c.CommitmentHash, ChallengerID: challenger, Miner: m1, ClaimedScore: 0.9}
	if err := SubmitFraudProof(c, proof, map[Address]float64{agg: 1}, DefaultScoringConfig(), cfg, state, registry); !IsKind(err, KindAlreadyChallenged) {
		t.Fatalf("expected KindAlreadyChallenged for a non-pending commitment, got %v", err)
	}
}

func TestExpireCommitmentFinalizesAndWritesThrough(t *testing.T) {
	state := NewStateStore()
	var m1, agg Address
	m1[0], agg[0] = 1, 2
	cfg := testRollupConfig()
	consensus := map[Address]float64{m1: 0.6}
	c := NewCommitment("subnet-a", 1, consensus, map[Address][]float64{agg: {0.6}}, Hash{}, 1000, agg, 0, cfg)

	ExpireCommitment(c, 5, state) // before FinalizeAtBlock=10, no-op
	if c.Status != StatusPending {
		t.Fatalf("ExpireCommitment should be a no-op before FinalizeAtBlock")
	}

	ExpireCommitment(c, 10, state)
	if c.Status != StatusFinalized {
		t.Fatalf("expected commitment finalized at/after FinalizeAtBlock")
	}
	addr := subnetScoreAddress("subnet-a", 1)
	if _, ok := state.GetContractCode(addr); !ok {
		t.Fatalf("expected finalized consensus scores written through to state")
	}
}

func TestExpireCommitmentRejectsChallenged(t *testing.T) {
	state := NewStateStore()
	var agg Address
	agg[0] = 2
	cfg := testRollupConfig()
	c := NewCommitment("subnet-a", 1, map[Address]float64{}, map[Address][]float64{}, Hash{}, 1000, agg, 0, cfg)
	c.Status = StatusChallenged

	ExpireCommitment(c, 10, state)
	if c.Status != StatusRejected {
		t.Fatalf("expected a challenged commitment to become rejected after the challenge period")
	}
}
