package core

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func testChainConfig() ChainConfig {
	return ChainConfig{MaxClockSkew: 15 * time.Second, BlockGasLimit: 1_000_000, MinGasPrice: 1}
}

func TestValidateTransactionHappyPath(t *testing.T) {
	state := NewStateStore()
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	sender := AddressFromPublic(kp.Public)
	state.AddBalance(sender, uint256.NewInt(1_000_000))

	var to Address
	to[0] = 1
	tx := newSignedTransfer(t, kp, to, 100, 0)
	if err := ValidateTransaction(tx, state, testChainConfig()); err != nil {
		t.Fatalf("ValidateTransaction: %v", err)
	}
}

func TestValidateTransactionRejectsBadNonce(t *testing.T) {
	state := NewStateStore()
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	sender := AddressFromPublic(kp.Public)
	state.AddBalance(sender, uint256.NewInt(1_000_000))

	var to Address
	to[0] = 1
	tx := newSignedTransfer(t, kp, to, 100, 5) // account nonce is 0
	if err := ValidateTransaction(tx, state, testChainConfig()); !IsKind(err, KindNonceMismatch) {
		t.Fatalf("expected KindNonceMismatch, got %v", err)
	}
}

func TestValidateTransactionRejectsInsufficientBalance(t *testing.T) {
	state := NewStateStore()
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	var to Address
	to[0] = 1
	tx := newSignedTransfer(t, kp, to, 100, 0)
	if err := ValidateTransaction(tx, state, testChainConfig()); !IsKind(err, KindInsufficientBalance) {
		t.Fatalf("expected KindInsufficientBalance, got %v", err)
	}
}

func TestValidateTransactionRejectsGasPriceTooLow(t *testing.T) {
	state := NewStateStore()
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	sender := AddressFromPublic(kp.Public)
	state.AddBalance(sender, uint256.NewInt(1_000_000))

	var to Address
	to[0] = 1
	tx := &Transaction{Kind: TxTransfer, To: &to, Value: uint256.NewInt(1), GasPrice: 0, GasLimit: 50_000}
	tx.Sign(kp)
	if err := ValidateTransaction(tx, state, testChainConfig()); !IsKind(err, KindGasPriceTooLow) {
		t.Fatalf("expected KindGasPriceTooLow, got %v", err)
	}
}

func TestExecuteTransactionTransferSuccess(t *testing.T) {
	state := NewStateStore()
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	sender := AddressFromPublic(kp.Public)
	state.AddBalance(sender, uint256.NewInt(1_000_000))

	var to Address
	to[0] = 1
	tx := newSignedTransfer(t, kp, to, 500, 0)
	receipt := ExecuteTransaction(tx, state, Hash{}, 1, 0)
	if receipt.Status != 1 {
		t.Fatalf("expected successful receipt, got status %d", receipt.Status)
	}
	if state.Balance(to).Uint64() != 500 {
		t.Fatalf("expected recipient to receive the transferred value")
	}
	if state.Nonce(sender) != 1 {
		t.Fatalf("expected sender nonce incremented")
	}
}

func TestExecuteTransactionUnstakeFailureRecordsFailedReceipt(t *testing.T) {
	state := NewStateStore()
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	sender := AddressFromPublic(kp.Public)
	state.AddBalance(sender, uint256.NewInt(1_000_000))

	tx := &Transaction{Kind: TxUnstake, Validator: sender, Amount: uint256.NewInt(100), GasPrice: 1, GasLimit: 60_000}
	tx.Sign(kp)

	receipt := ExecuteTransaction(tx, state, Hash{}, 1, 0)
	if receipt.Status != 0 {
		t.Fatalf("expected failed receipt for unstaking with no stake, got status %d", receipt.Status)
	}
	if state.Nonce(sender) != 1 {
		t.Fatalf("expected nonce still incremented on a failed execution")
	}
}

func buildTestBlock(t *testing.T, parent *Block, validator [32]byte, kp *KeyPair, txs []*Transaction) *Block {
	t.Helper()
	var prevHash Hash
	height := uint64(0)
	timestamp := uint64(time.Now().Unix())
	if parent != nil {
		prevHash = parent.Hash()
		height = parent.Header.Height + 1
		timestamp = parent.Header.Timestamp + 1
	}
	var gasUsed uint64
	for _, tx := range txs {
		gasUsed += tx.IntrinsicGas()
	}
	b := &Block{
		Header: Header{
			Version:      1,
			Height:       height,
			Timestamp:    timestamp,
			PreviousHash: prevHash,
			TxsRoot:      TxsRoot(txs),
			GasUsed:      gasUsed,
			GasLimit:     1_000_000,
			Validator:    validator,
		},
		Transactions: txs,
	}
	b.Header.Sign(kp)
	return b
}

func TestValidateBlockHappyPath(t *testing.T) {
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	fp := PublicKeyFingerprint(kp.Public)
	block := buildTestBlock(t, nil, fp, kp, nil)

	if err := ValidateBlock(block, nil, testChainConfig(), fp); err != nil {
		t.Fatalf("ValidateBlock: %v", err)
	}
}

func TestValidateBlockRejectsWrongValidator(t *testing.T) {
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	fp := PublicKeyFingerprint(kp.Public)
	block := buildTestBlock(t, nil, fp, kp, nil)

	var otherFp [32]byte
	copy(otherFp[:], RandomBytes(32))
	if err := ValidateBlock(block, nil, testChainConfig(), otherFp); !IsKind(err, KindInvalidValidator) {
		t.Fatalf("expected KindInvalidValidator, got %v", err)
	}
}

func TestValidateBlockRejectsBadParentLinkage(t *testing.T) {
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	fp := PublicKeyFingerprint(kp.Public)
	genesis := buildTestBlock(t, nil, fp, kp, nil)
	child := buildTestBlock(t, genesis, fp, kp, nil)
	child.Header.PreviousHash = Hash{0xff}
	child.Header.Sign(kp)

	if err := ValidateBlock(child, genesis, testChainConfig(), fp); !IsKind(err, KindInvalidParent) {
		t.Fatalf("expected KindInvalidParent, got %v", err)
	}
}

func TestExecuteAndAssembleBlock(t *testing.T) {
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	fp := PublicKeyFingerprint(kp.Public)
	sender := AddressFromPublic(kp.Public)

	state := NewStateStore()
	state.AddBalance(sender, uint256.NewInt(1_000_000))

	var to Address
	to[0] = 2
	tx := newSignedTransfer(t, kp, to, 10, 0)
	block := buildTestBlock(t, nil, fp, kp, []*Transaction{tx})

	// AssembleBlock fills in the roots from scratch.
	assembleState := NewStateStore()
	assembleState.AddBalance(sender, uint256.NewInt(1_000_000))
	block.Header.StateRoot = Hash{}
	block.Header.ReceiptsRoot = Hash{}
	receipts := AssembleBlock(block, assembleState)
	if len(receipts) != 1 || receipts[0].Status != 1 {
		t.Fatalf("expected one successful receipt from AssembleBlock")
	}
	if block.Header.StateRoot.IsZero() {
		t.Fatalf("AssembleBlock should populate StateRoot")
	}

	// ExecuteBlock verifies against the now-filled-in root with a fresh state.
	executeState := NewStateStore()
	executeState.AddBalance(sender, uint256.NewInt(1_000_000))
	if _, _, err := ExecuteBlock(block, executeState); err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
}

func TestExecuteBlockRejectsStateRootMismatch(t *testing.T) {
	kp, err := KeypairGenerate()
	if err != nil {
		t.Fatalf("KeypairGenerate: %v", err)
	}
	fp := PublicKeyFingerprint(kp.Public)
	block := buildTestBlock(t, nil, fp, kp, nil)
	block.Header.StateRoot = Hash{0x01} // wrong on purpose

	state := NewStateStore()
	if _, _, err := ExecuteBlock(block, state); !IsKind(err, KindInvalidStateRoot) {
		t.Fatalf("expected KindInvalidStateRoot, got %v", err)
	}
}
