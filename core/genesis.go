package core

import (
	"encoding/json"
	"os"

	"github.com/holiman/uint256"
)

// GenesisAllocation credits a starting balance (and, for validators, stake)
// to an address at chain start.
type GenesisAllocation struct {
	Address   Address  `json:"address"`
	Balance   string   `json:"balance"`
	Stake     string   `json:"stake,omitempty"`
	PublicKey *[32]byte `json:"public_key,omitempty"`
}

// GenesisSpec is the on-disk description of a chain's genesis state,
// per spec.md §4.3's genesis block requirements.
type GenesisSpec struct {
	NetworkID  string              `json:"network_id"`
	Timestamp  uint64              `json:"timestamp"`
	GasLimit   uint64              `json:"gas_limit"`
	ExtraData  string              `json:"extra_data"`
	Allocations []GenesisAllocation `json:"allocations"`
}

// LoadGenesisSpec reads and decodes a genesis spec from path.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError(KindNotFound, "read genesis file", err)
	}
	var spec GenesisSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, WrapError(KindMalformedMessage, "decode genesis file", err)
	}
	return &spec, nil
}

// BuildGenesis materializes a GenesisSpec into the zero-height block and an
// initialized state store: every allocation's balance (and stake, for
// validators) is credited before the block's state root is computed, and
// validators with a public key are registered in the supplied registry.
// Height 0's previous_hash is the all-zero Hash by convention.
func BuildGenesis(spec *GenesisSpec, registry *ValidatorRegistry, epochCfg EpochConfig) (*Block, *StateStore, error) {
	state := NewStateStore()

	for _, alloc := range spec.Allocations {
		balance := new(uint256.Int)
		if err := balance.SetFromDecimal(alloc.Balance); err != nil {
			return nil, nil, NewError(KindMalformedMessage, "invalid genesis balance for "+alloc.Address.Hex())
		}
		state.AddBalance(alloc.Address, balance)

		if alloc.Stake != "" {
			stake := new(uint256.Int)
			if err := stake.SetFromDecimal(alloc.Stake); err != nil {
				return nil, nil, NewError(KindMalformedMessage, "invalid genesis stake for "+alloc.Address.Hex())
			}
			state.AddStake(alloc.Address, stake)
			if alloc.PublicKey != nil {
				state.SetValidatorMeta(alloc.Address, ValidatorMeta{PublicKey: *alloc.PublicKey, Active: true})
				if registry != nil {
					registry.AddValidator(alloc.Address, *alloc.PublicKey, stake)
				}
			}
		}
	}
	if registry != nil {
		registry.RecomputeActiveSet(epochCfg)
	}

	stateRoot := state.Commit()

	header := Header{
		Version:      1,
		Height:       0,
		Timestamp:    spec.Timestamp,
		PreviousHash: ZeroHash,
		StateRoot:    stateRoot,
		TxsRoot:      TxsRoot(nil),
		ReceiptsRoot: ReceiptsRoot(nil),
		GasLimit:     spec.GasLimit,
		ExtraData:    []byte(spec.ExtraData),
	}
	block := &Block{Header: header}
	return block, state, nil
}
