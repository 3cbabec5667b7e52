package core

import (
	"time"

	"github.com/holiman/uint256"
)

// ChainConfig carries the per-chain parameters consulted during validation
// and execution.
type ChainConfig struct {
	MaxClockSkew  time.Duration
	BlockGasLimit uint64
	MinGasPrice   uint64
}

// ValidateTransaction performs the stateful checks of spec.md §4.4: a valid
// signature whose recovered address matches From, the expected nonce,
// sufficient balance for value + upfront gas, and gas parameters within
// chain bounds. Failures are returned as structured *Error values; nothing
// is ever silently dropped.
func ValidateTransaction(tx *Transaction, state *StateStore, cfg ChainConfig) error {
	if err := tx.VerifySignature(); err != nil {
		return err
	}
	if tx.Nonce != state.Nonce(tx.From) {
		return NewError(KindNonceMismatch, "tx nonce does not match account nonce")
	}

	intrinsic := tx.IntrinsicGas()
	if tx.GasLimit < intrinsic {
		return NewError(KindGasLimitBelowIntrinsic, "gas_limit below intrinsic gas")
	}
	if tx.GasLimit > cfg.BlockGasLimit {
		return NewError(KindGasLimitExceeded, "gas_limit exceeds block gas limit")
	}
	if tx.GasPrice < cfg.MinGasPrice {
		return NewError(KindGasPriceTooLow, "gas_price below chain minimum")
	}

	upfront := new(uint256.Int).Mul(uint256.NewInt(tx.GasLimit), uint256.NewInt(tx.GasPrice))
	required := new(uint256.Int)
	if tx.Kind == TxTransfer && tx.Value != nil {
		required = required.Add(upfront, tx.Value)
	} else {
		required = required.Add(upfront, uint256.NewInt(0))
	}
	if state.Balance(tx.From).Cmp(required) < 0 {
		return NewError(KindInsufficientBalance, "insufficient balance for value + gas")
	}
	return nil
}

// ExecuteTransaction applies tx against state within an internal snapshot,
// following spec.md §4.4's six-step procedure, and returns the resulting
// receipt. The transaction must already have passed ValidateTransaction.
func ExecuteTransaction(tx *Transaction, state *StateStore, blockHash Hash, height uint64, txIndex uint32) *Receipt {
	snap := state.Snapshot()

	upfront := new(uint256.Int).Mul(uint256.NewInt(tx.GasLimit), uint256.NewInt(tx.GasPrice))
	_ = state.SubBalance(tx.From, upfront) // already validated to succeed
	state.IncrementNonce(tx.From)

	receipt := &Receipt{
		TxHash:      tx.Hash(),
		BlockHash:   blockHash,
		BlockHeight: height,
		TxIndex:     txIndex,
		From:        tx.From,
		GasUsed:     tx.IntrinsicGas(),
		Status:      1,
	}

	fail := func() *Receipt {
		_ = state.RollbackTo(snap)
		// Re-apply the upfront gas charge and nonce bump: a failure after
		// step 1 keeps the intrinsic-gas charge and nonce increment.
		_ = state.SubBalance(tx.From, upfront)
		state.IncrementNonce(tx.From)
		unused := new(uint256.Int).Mul(uint256.NewInt(tx.GasLimit-receipt.GasUsed), uint256.NewInt(tx.GasPrice))
		state.AddBalance(tx.From, unused)
		receipt.Status = 0
		return receipt
	}

	switch tx.Kind {
	case TxTransfer:
		if err := executeTransfer(tx, state, receipt); err != nil {
			return fail()
		}
	case TxStake:
		if err := executeStake(tx, state); err != nil {
			return fail()
		}
	case TxUnstake:
		if err := executeUnstake(tx, state); err != nil {
			return fail()
		}
	case TxClaimRewards:
		if _, err := state.ClaimRewards(tx.From); err != nil {
			return fail()
		}
	}

	refund := new(uint256.Int).Mul(uint256.NewInt(tx.GasLimit-receipt.GasUsed), uint256.NewInt(tx.GasPrice))
	state.AddBalance(tx.From, refund)
	return receipt
}

func executeTransfer(tx *Transaction, state *StateStore, receipt *Receipt) error {
	var to Address
	if tx.To != nil {
		to = *tx.To
		receipt.To = tx.To
	} else {
		to = ContractAddress(tx.From, tx.Nonce)
		receipt.ContractAddress = &to
	}

	if tx.Value != nil && !tx.Value.IsZero() {
		if err := state.Transfer(tx.From, to, tx.Value); err != nil {
			return err
		}
	}
	if tx.IsContractCreation() {
		state.SetContractCode(to, tx.Data)
	}
	return nil
}

func executeStake(tx *Transaction, state *StateStore) error {
	state.AddStake(tx.Validator, tx.Amount)
	state.SetValidatorMeta(tx.Validator, ValidatorMeta{PublicKey: tx.PublicKey, Active: true})
	return nil
}

func executeUnstake(tx *Transaction, state *StateStore) error {
	return state.SubStake(tx.Validator, tx.Amount)
}

// ValidateBlock performs the structural and stateful block checks of
// spec.md §4.4 steps 1-7 (everything except the final state-root check,
// which ExecuteBlock verifies after applying transactions). parent is nil
// for genesis. expectedValidator is the slot's elected validator public key.
func ValidateBlock(block *Block, parent *Block, cfg ChainConfig, expectedValidator [32]byte) error {
	if err := block.CheckStructure(); err != nil {
		return err
	}
	if parent != nil {
		if block.Header.PreviousHash != parent.Hash() {
			return NewError(KindInvalidParent, "previous_hash does not match parent")
		}
		if block.Header.Height != parent.Header.Height+1 {
			return NewError(KindInvalidHeight, "height is not parent height + 1")
		}
		if block.Header.Timestamp <= parent.Header.Timestamp {
			return NewError(KindInvalidTimestamp, "timestamp does not advance")
		}
	}
	maxFuture := uint64(time.Now().Add(cfg.MaxClockSkew).Unix())
	if int64(block.Header.Timestamp) > int64(maxFuture) {
		return NewError(KindInvalidTimestamp, "timestamp too far in the future")
	}
	if block.Header.Validator != expectedValidator {
		return NewError(KindInvalidValidator, "signer is not the elected slot leader")
	}
	var sig [65]byte
	copy(sig[0:64], block.Header.Signature[:])
	if !VerifyXOnly(block.Header.signingBytes(), sig, block.Header.Validator) {
		return NewError(KindInvalidSignature, "validator signature does not verify")
	}

	var gasUsed uint64
	for _, tx := range block.Transactions {
		gasUsed += tx.IntrinsicGas()
	}
	if gasUsed != block.Header.GasUsed {
		return NewError(KindGasUsedMismatch, "declared gas_used does not match sum of intrinsic gas")
	}
	if block.Header.GasUsed > block.Header.GasLimit {
		return NewError(KindGasLimitExceeded, "block gas_used exceeds gas_limit")
	}
	if TxsRoot(block.Transactions) != block.Header.TxsRoot {
		return NewError(KindInvalidTxsRoot, "transaction Merkle root mismatch")
	}
	return nil
}

// applyTransactions executes every transaction in block in order and
// commits the resulting state, returning the receipts and the new state
// root without judging it against the header (the header may not have its
// final root set yet, as when a validator is assembling a new block).
func applyTransactions(block *Block, state *StateStore) ([]*Receipt, Hash) {
	blockHash := block.Hash()
	receipts := make([]*Receipt, 0, len(block.Transactions))
	for i, tx := range block.Transactions {
		r := ExecuteTransaction(tx, state, blockHash, block.Header.Height, uint32(i))
		receipts = append(receipts, r)
	}
	return receipts, state.Commit()
}

// ExecuteBlock applies every transaction in order, commits state, and
// verifies the resulting root against the header's already-declared
// state_root. Used when applying a block received from a peer or replayed
// from storage, where the header is already final.
func ExecuteBlock(block *Block, state *StateStore) ([]*Receipt, Hash, error) {
	receipts, newRoot := applyTransactions(block, state)
	if newRoot != block.Header.StateRoot {
		return receipts, newRoot, NewError(KindInvalidStateRoot, "post-execution state root mismatch")
	}
	return receipts, newRoot, nil
}

// AssembleBlock executes block's transactions against state and fills in
// StateRoot and ReceiptsRoot from the result. Used by a validator producing
// a new block, where the header's roots are not yet known.
func AssembleBlock(block *Block, state *StateStore) []*Receipt {
	receipts, newRoot := applyTransactions(block, state)
	block.Header.StateRoot = newRoot
	block.Header.ReceiptsRoot = ReceiptsRoot(receipts)
	return receipts
}
