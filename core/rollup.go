package core

import (
	"math"
	"sort"

	"github.com/holiman/uint256"
)

// CommitmentStatus is the rollup commitment's lifecycle state, per spec.md
// §4.6's state machine: pending -> {challenged, finalized}; challenged ->
// rejected. finalized and rejected are terminal.
type CommitmentStatus string

const (
	StatusPending    CommitmentStatus = "pending"
	StatusChallenged CommitmentStatus = "challenged"
	StatusFinalized  CommitmentStatus = "finalized"
	StatusRejected   CommitmentStatus = "rejected"
)

// Commitment is the off-chain aggregator's published consensus output, per
// spec.md §3's "Consensus commitment (rollup layer)" record.
type Commitment struct {
	SubnetUID        string
	Epoch            uint64
	CommitmentHash   Hash
	ConsensusScores  map[Address]float64
	ValidatorScores  map[Address][]float64
	WeightMatrixHash Hash
	Timestamp        uint64
	AggregatorID     Address
	AggregatorSig    [65]byte
	Status           CommitmentStatus
	FinalizeAtBlock  uint64
	ChallengedBy     *Address
	ChallengeReason  string
}

// FraudProof is a challenger's claim that a commitment's published score for
// one miner deviates from the recomputed value beyond tolerance, per
// spec.md §3's "Fraud proof" record.
type FraudProof struct {
	CommitmentHash Hash
	ChallengerID   Address
	Miner          Address
	ClaimedScore   float64
	ActualScore    float64
	Evidence       []byte
	ChallengerSig  [65]byte
}

// RollupConfig parameterizes the optimistic rollup protocol.
type RollupConfig struct {
	ChallengePeriodBlocks uint64
	MaxDeviationPercent   float64 // default 5.0
	SlashAmount           *uint256.Int
	FraudProofReward      *uint256.Int
}

const fraudProofEpsilon = 1e-9

// CommitmentHash computes the canonical digest of everything published
// on-chain about a commitment except the aggregator's own signature, mirrored
// from the teacher's canonical-bytes-then-hash pattern used for transactions
// and headers.
func CommitmentHash(subnetUID string, epoch uint64, consensus map[Address]float64, weightMatrixHash Hash, timestamp uint64, aggregator Address) Hash {
	buf := make([]byte, 0, 256)
	buf = append(buf, []byte(subnetUID)...)
	buf = append(buf, uint64ToBytes(epoch)...)

	miners := make([]Address, 0, len(consensus))
	for m := range consensus {
		miners = append(miners, m)
	}
	sort.Slice(miners, func(i, j int) bool { return lessAddress(miners[i], miners[j]) })
	for _, m := range miners {
		buf = append(buf, m[:]...)
		buf = append(buf, float64Bytes(consensus[m])...)
	}
	buf = append(buf, weightMatrixHash[:]...)
	buf = append(buf, uint64ToBytes(timestamp)...)
	buf = append(buf, aggregator[:]...)
	return Sha256(buf)
}

func float64Bytes(f float64) []byte {
	return uint64ToBytes(math.Float64bits(f))
}

// NewCommitment builds and hashes a pending commitment for the aggregator to
// sign, with finalize_at_block set challenge_period_blocks past currentBlock.
func NewCommitment(subnetUID string, epoch uint64, consensus map[Address]float64, validatorScores map[Address][]float64, weightMatrixHash Hash, timestamp uint64, aggregator Address, currentBlock uint64, cfg RollupConfig) *Commitment {
	c := &Commitment{
		SubnetUID:       subnetUID,
		Epoch:           epoch,
		ConsensusScores: consensus,
		ValidatorScores: validatorScores,
		WeightMatrixHash: weightMatrixHash,
		Timestamp:        timestamp,
		AggregatorID:     aggregator,
		Status:           StatusPending,
		FinalizeAtBlock:  currentBlock + cfg.ChallengePeriodBlocks,
	}
	c.CommitmentHash = CommitmentHash(subnetUID, epoch, consensus, weightMatrixHash, timestamp, aggregator)
	return c
}

// Sign fills in the aggregator's signature over the commitment hash.
func (c *Commitment) Sign(kp *KeyPair) {
	c.AggregatorSig = Sign(kp.Secret, c.CommitmentHash[:])
}

// SubmitFraudProof recomputes the aggregation for proof.Miner from the
// commitment's stored raw validator scores and weight set, and compares the
// recomputed score to proof.ClaimedScore. If the percentage deviation
// exceeds cfg.MaxDeviationPercent, the proof is accepted: the commitment
// moves to challenged, the aggregator is slashed, and the challenger is
// rewarded. weights must be the same weight set used when the commitment was
// built (recomputed identically by any honest node from on-chain stake and
// trust).
func SubmitFraudProof(c *Commitment, proof *FraudProof, weights map[Address]float64, cfg ScoringConfig, rcfg RollupConfig, state *StateStore, registry *ValidatorRegistry) error {
	if c.Status != StatusPending {
		return NewError(KindAlreadyChallenged, "commitment is not pending")
	}

	pairs := make([]weightedValue, 0, len(c.ValidatorScores))
	for validator, scoreVector := range c.ValidatorScores {
		idx := minerIndex(c, proof.Miner)
		if idx < 0 || idx >= len(scoreVector) {
			continue
		}
		pairs = append(pairs, weightedValue{value: scoreVector[idx], weight: weights[validator]})
	}
	var actual float64
	if cfg.UseWeightedMean {
		actual = weightedMean(pairs)
	} else {
		actual = weightedMedian(pairs)
	}
	actual = bondingCurve(actual, cfg.BondingExponent)

	deviation := math.Abs(proof.ClaimedScore-actual) / (actual + fraudProofEpsilon) * 100
	if deviation <= rcfg.MaxDeviationPercent {
		return NewError(KindInvalidFraudProof, "claimed deviation within tolerance")
	}

	c.Status = StatusChallenged
	c.ChallengedBy = &proof.ChallengerID
	c.ChallengeReason = "score deviation exceeds max_deviation_percent"

	if v, ok := registry.Get(c.AggregatorID); ok {
		amount := rcfg.SlashAmount
		if amount.Cmp(v.Stake) > 0 {
			amount = new(uint256.Int).Set(v.Stake)
		}
		v.Stake = new(uint256.Int).Sub(v.Stake, amount)
		_ = state.SubStake(c.AggregatorID, amount)
	}
	state.AddReward(proof.ChallengerID, rcfg.FraudProofReward)
	return nil
}

// minerIndex looks up proof.Miner's positional index among the commitment's
// consensus scores, relying on the same deterministic sort CommitmentHash
// used when the commitment's canonical miner ordering was established.
func minerIndex(c *Commitment, miner Address) int {
	miners := make([]Address, 0, len(c.ConsensusScores))
	for m := range c.ConsensusScores {
		miners = append(miners, m)
	}
	sort.Slice(miners, func(i, j int) bool { return lessAddress(miners[i], miners[j]) })
	for i, m := range miners {
		if m == miner {
			return i
		}
	}
	return -1
}

// ExpireCommitment applies the post-challenge-period transition of spec.md
// §4.6: pending commitments finalize (their consensus scores are written
// through to state); challenged commitments are rejected. No-op if the
// commitment has not yet reached its finalize block or is already terminal.
func ExpireCommitment(c *Commitment, currentBlock uint64, state *StateStore) {
	if currentBlock < c.FinalizeAtBlock {
		return
	}
	switch c.Status {
	case StatusPending:
		c.Status = StatusFinalized
		writeThroughScores(c, state)
	case StatusChallenged:
		c.Status = StatusRejected
	}
}

// writeThroughScores records a finalized commitment's consensus scores under
// a synthetic per-subnet-epoch address, reusing the code-storage namespace
// as a generic blob slot since no VM ever executes this "code".
func writeThroughScores(c *Commitment, state *StateStore) {
	addr := subnetScoreAddress(c.SubnetUID, c.Epoch)
	buf := make([]byte, 0, 32*len(c.ConsensusScores))
	miners := make([]Address, 0, len(c.ConsensusScores))
	for m := range c.ConsensusScores {
		miners = append(miners, m)
	}
	sort.Slice(miners, func(i, j int) bool { return lessAddress(miners[i], miners[j]) })
	for _, m := range miners {
		buf = append(buf, m[:]...)
		buf = append(buf, float64Bytes(c.ConsensusScores[m])...)
	}
	state.SetContractCode(addr, buf)
}

// subnetScoreAddress derives a deterministic synthetic address under which a
// finalized epoch's consensus scores are recorded.
func subnetScoreAddress(subnetUID string, epoch uint64) Address {
	buf := append([]byte(subnetUID), uint64ToBytes(epoch)...)
	digest := KeccakLike(buf)
	return BytesToAddress(digest[:])
}
