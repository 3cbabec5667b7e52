package core

import (
	"encoding/binary"
	"math"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
)

// Validator is a registry record: address, public key fingerprint, bonded
// stake, activity flag and performance counters. Grounded on the teacher's
// ValidatorInfo (validator_node.go) and StakePenaltyManager
// (stake_penalty.go), generalized to the full §4.5 field set.
type Validator struct {
	Address         Address
	PublicKey       [32]byte
	Stake           *uint256.Int
	Active          bool
	LastBlockHeight uint64
	MissedBlocks    uint64
}

// EpochConfig parameterizes epoch processing per spec.md §4.5.
type EpochConfig struct {
	EpochLength      uint64
	ValidatorCount   int
	MinStake         *uint256.Int
	SlashRate        float64 // fraction of stake slashed when MissedBlocks >= MaxMissedBlocks
	DoubleSignRate   float64 // fraction of stake slashed on detected double-signing
	MaxMissedBlocks  uint64
	BaseReward       *uint256.Int
}

// ValidatorRegistry tracks the full validator set and the currently active
// subset. Active-set membership and ordering (descending stake, ties by
// address) are recomputed at every epoch boundary.
type ValidatorRegistry struct {
	validators map[Address]*Validator
	active     []Address // ordered descending by stake; ties by address
	doubleSign *lru.Cache[doubleSignKey, Hash]
}

type doubleSignKey struct {
	validator Address
	height    uint64
}

// NewValidatorRegistry returns an empty registry with a bounded
// double-signing evidence cache.
func NewValidatorRegistry() *ValidatorRegistry {
	cache, _ := lru.New[doubleSignKey, Hash](4096)
	return &ValidatorRegistry{
		validators: make(map[Address]*Validator),
		doubleSign: cache,
	}
}

// AddValidator creates or updates a validator's stake and public key.
func (r *ValidatorRegistry) AddValidator(addr Address, publicKey [32]byte, stake *uint256.Int) {
	v, ok := r.validators[addr]
	if !ok {
		v = &Validator{Address: addr}
		r.validators[addr] = v
	}
	v.PublicKey = publicKey
	v.Stake = new(uint256.Int).Set(stake)
	v.Active = true
}

// RemoveValidator deactivates and evicts addr from the active set. This is
// also how jailing is implemented (JailValidator is an alias).
func (r *ValidatorRegistry) RemoveValidator(addr Address) {
	if v, ok := r.validators[addr]; ok {
		v.Active = false
	}
	filtered := r.active[:0]
	for _, a := range r.active {
		if a != addr {
			filtered = append(filtered, a)
		}
	}
	r.active = filtered
}

// JailValidator is an alias for RemoveValidator, named for the slashing
// code path that invokes it.
func (r *ValidatorRegistry) JailValidator(addr Address) { r.RemoveValidator(addr) }

// Get returns the validator record for addr, if any.
func (r *ValidatorRegistry) Get(addr Address) (*Validator, bool) {
	v, ok := r.validators[addr]
	return v, ok
}

// ActiveSet returns the current active validator addresses, ordered
// descending by stake (ties broken by address bytewise ordering).
func (r *ValidatorRegistry) ActiveSet() []Address {
	out := make([]Address, len(r.active))
	copy(out, r.active)
	return out
}

// TotalActiveStake sums the stake of every active validator.
func (r *ValidatorRegistry) TotalActiveStake() *uint256.Int {
	total := uint256.NewInt(0)
	for _, addr := range r.active {
		total.Add(total, r.validators[addr].Stake)
	}
	return total
}

// RecomputeActiveSet selects the top ValidatorCount validators by descending
// stake (ties by address) as the new active set. Called at every epoch
// boundary.
func (r *ValidatorRegistry) RecomputeActiveSet(cfg EpochConfig) {
	candidates := make([]*Validator, 0, len(r.validators))
	for _, v := range r.validators {
		if v.Active {
			candidates = append(candidates, v)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		c := candidates[i].Stake.Cmp(candidates[j].Stake)
		if c != 0 {
			return c > 0
		}
		return lessAddress(candidates[i].Address, candidates[j].Address)
	})
	if len(candidates) > cfg.ValidatorCount {
		candidates = candidates[:cfg.ValidatorCount]
	}
	active := make([]Address, 0, len(candidates))
	for _, v := range candidates {
		active = append(active, v.Address)
	}
	r.active = active
}

// SelectValidator deterministically picks the slot leader for seed (by
// default, the slot number's canonical encoding; an externally supplied seed
// is reserved for a future VRF). Every honest node computes the same result
// for the same active set, stakes, and seed. Fails with ZeroTotalStake or
// NoActiveValidators when there is nothing to select from.
func (r *ValidatorRegistry) SelectValidator(seed []byte) (Address, error) {
	if len(r.active) == 0 {
		return Address{}, NewError(KindNoActiveValidators, "no active validators")
	}
	total := r.TotalActiveStake()
	if total.IsZero() {
		return Address{}, NewError(KindZeroTotalStake, "total active stake is zero")
	}

	digest := Sha256(seed)
	raw := binary.LittleEndian.Uint64(digest[0:8])
	threshold := new(uint256.Int).Mod(uint256.NewInt(raw), total)

	cumulative := uint256.NewInt(0)
	for _, addr := range r.active {
		cumulative.Add(cumulative, r.validators[addr].Stake)
		if cumulative.Cmp(threshold) > 0 {
			return addr, nil
		}
	}
	// Total stake > 0 guarantees the walk always terminates above; this is
	// an unreachable defensive fallback.
	return r.active[len(r.active)-1], nil
}

// SlotSeed is the default deterministic seed for a slot: its 8-byte
// big-endian encoding, which SelectValidator hashes with sha256. Reserved seed-override hooks may supply a different
// seed (e.g. a future VRF output).
func SlotSeed(slot uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, slot)
	return b
}

// RecordBlock updates a validator's last-seen height and detects
// double-signing: two different valid headers at the same height signed by
// the same validator. Returns true if double-signing was just detected.
func (r *ValidatorRegistry) RecordBlock(addr Address, height uint64, headerHash Hash) bool {
	if v, ok := r.validators[addr]; ok {
		v.LastBlockHeight = height
	}
	key := doubleSignKey{validator: addr, height: height}
	if prev, ok := r.doubleSign.Get(key); ok {
		if prev != headerHash {
			return true
		}
		return false
	}
	r.doubleSign.Add(key, headerHash)
	return false
}

// RecordMissedBlock increments addr's missed-block counter for the current
// epoch.
func (r *ValidatorRegistry) RecordMissedBlock(addr Address) {
	if v, ok := r.validators[addr]; ok {
		v.MissedBlocks++
	}
}

// ProcessEpoch runs reward distribution and slashing for every active
// validator, then recomputes the active set, per spec.md §4.5.
func ProcessEpoch(r *ValidatorRegistry, state *StateStore, cfg EpochConfig) {
	total := r.TotalActiveStake()
	if !total.IsZero() {
		for _, addr := range r.active {
			v := r.validators[addr]
			distributeReward(v, total, cfg, state)
		}
	}
	for _, addr := range r.active {
		v := r.validators[addr]
		if v.MissedBlocks >= cfg.MaxMissedBlocks {
			slash(r, v, cfg.SlashRate, cfg, state)
		}
		v.MissedBlocks = 0
	}
	r.RecomputeActiveSet(cfg)
}

// distributeReward credits validator v with its epoch reward:
//
//	reward = base_reward * (stake / total_active_stake) * performance
//
// where performance = 1 - missed_blocks/epoch_length, clamped to [0, 1].
// All arithmetic is done in parts-per-million fixed point to stay exact on
// uint256 values; ppm precision is far finer than stake/reward granularity
// ever requires.
func distributeReward(v *Validator, total *uint256.Int, cfg EpochConfig, state *StateStore) {
	performance := 1.0 - float64(v.MissedBlocks)/float64(cfg.EpochLength)
	if performance < 0 {
		performance = 0
	}
	reward := mulDiv(cfg.BaseReward, v.Stake, total)
	reward = scaleByFraction(reward, performance)
	state.AddReward(v.Address, reward)
}

// slash applies rate to v's stake, floors it at zero loss beyond the
// current balance, and jails v once its remaining stake drops below
// cfg.MinStake.
func slash(r *ValidatorRegistry, v *Validator, rate float64, cfg EpochConfig, state *StateStore) {
	amount := scaleByFraction(v.Stake, rate)
	v.Stake = new(uint256.Int).Sub(v.Stake, amount)
	_ = state.SubStake(v.Address, amount)
	if v.Stake.Cmp(cfg.MinStake) < 0 {
		r.JailValidator(v.Address)
	}
}

// SlashDoubleSign applies the configured double-sign penalty and jails the
// offender immediately, per spec.md §4.5's double-signing extension.
func SlashDoubleSign(r *ValidatorRegistry, addr Address, cfg EpochConfig, state *StateStore) {
	v, ok := r.Get(addr)
	if !ok {
		return
	}
	amount := scaleByFraction(v.Stake, cfg.DoubleSignRate)
	v.Stake = new(uint256.Int).Sub(v.Stake, amount)
	_ = state.SubStake(v.Address, amount)
	r.JailValidator(addr)
}

const ratioScale = 1_000_000

// mulDiv computes floor(a * b / c) without overflowing uint256 range for the
// stake/reward magnitudes this chain deals in.
func mulDiv(a, b, c *uint256.Int) *uint256.Int {
	out := new(uint256.Int).Mul(a, b)
	return out.Div(out, c)
}

// scaleByFraction returns floor(v * f) for f in [0, 1], computed at
// parts-per-million precision, clamped so the result never exceeds v.
func scaleByFraction(v *uint256.Int, f float64) *uint256.Int {
	if f <= 0 {
		return uint256.NewInt(0)
	}
	if f > 1 {
		f = 1
	}
	ppm := uint256.NewInt(uint64(math.Round(f * ratioScale)))
	out := new(uint256.Int).Mul(v, ppm)
	out.Div(out, uint256.NewInt(ratioScale))
	if out.Cmp(v) > 0 {
		return new(uint256.Int).Set(v)
	}
	return out
}
