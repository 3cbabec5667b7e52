package core

import (
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// TxKind tags which variant a Transaction is. Per spec.md §9's design note,
// variants are expressed as a tagged sum rather than class inheritance; the
// validator dispatches execution on Kind.
type TxKind uint8

const (
	TxTransfer TxKind = iota
	TxStake
	TxUnstake
	TxClaimRewards
)

const (
	baseIntrinsicGas       = 21_000
	contractCreationGas    = 32_000
	zeroByteGas            = 4
	nonZeroByteGas         = 16
	stakingIntrinsicGas    = 50_000
)

// Transaction covers both the value-transfer variant (Kind == TxTransfer,
// optionally a contract-creation when To is nil) and the staking variants
// (Kind in {TxStake, TxUnstake, TxClaimRewards}). Fields unused by a given
// variant are left zero-valued.
type Transaction struct {
	Kind     TxKind
	Nonce    uint64
	From     Address
	To       *Address // nil means "none": contract-creation for transfers
	Value    *uint256.Int
	GasPrice uint64
	GasLimit uint64
	Data     []byte

	// Staking-variant fields.
	Validator Address
	Amount    *uint256.Int
	PublicKey [32]byte // required for TxStake

	// Signature.
	V uint8
	R [32]byte
	S [32]byte
}

// signingFields is the canonical RLP encoding target: every field except the
// signature, giving a single stable hash preimage for both tx-hash and
// signing.
type signingFields struct {
	Kind      uint8
	Nonce     uint64
	From      []byte
	To        []byte
	Value     []byte
	GasPrice  uint64
	GasLimit  uint64
	Data      []byte
	Validator []byte
	Amount    []byte
	PublicKey []byte
}

func (tx *Transaction) toSigningFields() signingFields {
	to := []byte{}
	if tx.To != nil {
		to = tx.To[:]
	}
	value := uint256.NewInt(0)
	if tx.Value != nil {
		value = tx.Value
	}
	amount := uint256.NewInt(0)
	if tx.Amount != nil {
		amount = tx.Amount
	}
	return signingFields{
		Kind:      uint8(tx.Kind),
		Nonce:     tx.Nonce,
		From:      tx.From[:],
		To:        to,
		Value:     trimmedBytes(value),
		GasPrice:  tx.GasPrice,
		GasLimit:  tx.GasLimit,
		Data:      tx.Data,
		Validator: tx.Validator[:],
		Amount:    trimmedBytes(amount),
		PublicKey: tx.PublicKey[:],
	}
}

// trimmedBytes returns v's minimal big-endian byte representation (RLP's own
// minimal-integer-encoding convention), so the same value always serializes
// identically regardless of the uint256.Int's internal representation.
func trimmedBytes(v *uint256.Int) []byte {
	b := v.Bytes32()
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}

// canonicalBytes returns the deterministic, version-stable RLP encoding used
// as the hash preimage for both the transaction hash and its signature.
func (tx *Transaction) canonicalBytes() []byte {
	b, err := rlp.EncodeToBytes(tx.toSigningFields())
	if err != nil {
		// Only unsupported-type bugs reach here; every field above is a
		// supported RLP-encodable type, so this indicates a coding error.
		panic("core: transaction RLP encoding: " + err.Error())
	}
	return b
}

// Hash is the transaction hash: the digest of all fields excluding the
// signature, over the canonical serialization.
func (tx *Transaction) Hash() Hash {
	return Sha256(tx.canonicalBytes())
}

// Sign fills in (V, R, S) using the canonical tx hash and sets From to the
// signer's derived address.
func (tx *Transaction) Sign(kp *KeyPair) {
	tx.From = AddressFromPublic(kp.Public)
	sig := Sign(kp.Secret, tx.canonicalBytes())
	tx.V = sig[64]
	copy(tx.R[:], sig[0:32])
	copy(tx.S[:], sig[32:64])
}

// VerifySignature recovers the signer's public key from (V, R, S) and
// confirms the derived address equals From.
func (tx *Transaction) VerifySignature() error {
	var sig [65]byte
	copy(sig[0:32], tx.R[:])
	copy(sig[32:64], tx.S[:])
	sig[64] = tx.V
	pub, err := RecoverPublicKey(tx.canonicalBytes(), sig)
	if err != nil {
		return WrapError(KindInvalidSignature, "recover public key", err)
	}
	if AddressFromPublic(pub) != tx.From {
		return NewError(KindInvalidSignature, "recovered address does not match From")
	}
	return nil
}

// IntrinsicGas is the base gas charged before any execution, per spec.md §3.
func (tx *Transaction) IntrinsicGas() uint64 {
	if tx.Kind != TxTransfer {
		return stakingIntrinsicGas
	}
	gas := uint64(baseIntrinsicGas)
	if tx.To == nil {
		gas += contractCreationGas
	}
	for _, b := range tx.Data {
		if b == 0 {
			gas += zeroByteGas
		} else {
			gas += nonZeroByteGas
		}
	}
	return gas
}

// IsContractCreation reports whether this is a value-transfer transaction
// with no recipient, i.e. a contract-creation.
func (tx *Transaction) IsContractCreation() bool {
	return tx.Kind == TxTransfer && tx.To == nil
}

// ContractAddress derives the address a contract-creation transaction's code
// will be stored under: the last 20 bytes of hash(sender || nonce).
func ContractAddress(sender Address, nonce uint64) Address {
	buf := make([]byte, 0, 28)
	buf = append(buf, sender[:]...)
	buf = append(buf, uint64ToBytes(nonce)...)
	digest := KeccakLike(buf)
	return BytesToAddress(digest[:])
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}

// txWireFormat is the full on-disk/on-wire encoding of a Transaction,
// including its signature, with the optional To field flattened to a HasTo
// flag plus a fixed 20-byte array (RLP has no native optional/pointer
// encoding for fixed-size arrays). Used by EncodeRLP/DecodeRLP so storage
// and wire-protocol code can rlp.Encode/(Decode) a *Transaction directly,
// mirroring go-ethereum's own internal txdata indirection.
type txWireFormat struct {
	Kind      uint8
	Nonce     uint64
	From      [20]byte
	HasTo     bool
	To        [20]byte
	Value     []byte
	GasPrice  uint64
	GasLimit  uint64
	Data      []byte
	Validator [20]byte
	Amount    []byte
	PublicKey [32]byte
	V         uint8
	R         [32]byte
	S         [32]byte
}

// EncodeRLP implements rlp.Encoder.
func (tx *Transaction) EncodeRLP(w io.Writer) error {
	wf := txWireFormat{
		Kind:      uint8(tx.Kind),
		Nonce:     tx.Nonce,
		From:      tx.From,
		GasPrice:  tx.GasPrice,
		GasLimit:  tx.GasLimit,
		Data:      tx.Data,
		Validator: tx.Validator,
		PublicKey: tx.PublicKey,
		V:         tx.V,
		R:         tx.R,
		S:         tx.S,
	}
	if tx.To != nil {
		wf.HasTo = true
		wf.To = *tx.To
	}
	value := uint256.NewInt(0)
	if tx.Value != nil {
		value = tx.Value
	}
	amount := uint256.NewInt(0)
	if tx.Amount != nil {
		amount = tx.Amount
	}
	wf.Value = trimmedBytes(value)
	wf.Amount = trimmedBytes(amount)
	return rlp.Encode(w, &wf)
}

// DecodeRLP implements rlp.Decoder.
func (tx *Transaction) DecodeRLP(s *rlp.Stream) error {
	var wf txWireFormat
	if err := s.Decode(&wf); err != nil {
		return err
	}
	tx.Kind = TxKind(wf.Kind)
	tx.Nonce = wf.Nonce
	tx.From = wf.From
	if wf.HasTo {
		to := wf.To
		tx.To = &to
	} else {
		tx.To = nil
	}
	tx.Value = new(uint256.Int).SetBytes(wf.Value)
	tx.GasPrice = wf.GasPrice
	tx.GasLimit = wf.GasLimit
	tx.Data = wf.Data
	tx.Validator = wf.Validator
	tx.Amount = new(uint256.Int).SetBytes(wf.Amount)
	tx.PublicKey = wf.PublicKey
	tx.V = wf.V
	tx.R = wf.R
	tx.S = wf.S
	return nil
}
