package core

import "github.com/ethereum/go-ethereum/rlp"

// Header is a block header. The hash covers every field except Signature.
// Grounded on the teacher's BlockHeader in common_structs.go, generalized to
// the spec's full field set (state/tx/receipt roots, gas accounting).
type Header struct {
	Version       uint32
	Height        uint64
	Timestamp     uint64
	PreviousHash  Hash
	StateRoot     Hash
	TxsRoot       Hash
	ReceiptsRoot  Hash
	Validator     [32]byte // validator's public key
	Signature     [64]byte
	GasUsed       uint64
	GasLimit      uint64
	ExtraData     []byte
}

type headerSigningFields struct {
	Version      uint32
	Height       uint64
	Timestamp    uint64
	PreviousHash []byte
	StateRoot    []byte
	TxsRoot      []byte
	ReceiptsRoot []byte
	Validator    []byte
	GasUsed      uint64
	GasLimit     uint64
	ExtraData    []byte
}

func (h *Header) signingBytes() []byte {
	f := headerSigningFields{
		Version:      h.Version,
		Height:       h.Height,
		Timestamp:    h.Timestamp,
		PreviousHash: h.PreviousHash[:],
		StateRoot:    h.StateRoot[:],
		TxsRoot:      h.TxsRoot[:],
		ReceiptsRoot: h.ReceiptsRoot[:],
		Validator:    h.Validator[:],
		GasUsed:      h.GasUsed,
		GasLimit:     h.GasLimit,
		ExtraData:    h.ExtraData,
	}
	b, err := rlp.EncodeToBytes(f)
	if err != nil {
		panic("core: header RLP encoding: " + err.Error())
	}
	return b
}

// Hash is the digest of every header field except Signature.
func (h *Header) Hash() Hash {
	return Sha256(h.signingBytes())
}

// Sign fills in Signature using the header hash.
func (h *Header) Sign(kp *KeyPair) {
	sig := Sign(kp.Secret, h.signingBytes())
	copy(h.Signature[:], sig[0:64])
}

// Block is a header plus its ordered transaction body.
type Block struct {
	Header       Header
	Transactions []*Transaction
}

// Hash delegates to the header hash.
func (b *Block) Hash() Hash { return b.Header.Hash() }

// CheckStructure validates the structural invariants of spec.md §4.4 step 1:
// 32-byte roots/hashes, 64-byte signature, gas_used <= gas_limit. Go's fixed
// arrays already enforce byte lengths at compile time, so this checks the
// remaining numeric invariants.
func (b *Block) CheckStructure() error {
	if b.Header.GasUsed > b.Header.GasLimit {
		return NewError(KindInvalidBlockStruct, "gas_used exceeds gas_limit")
	}
	return nil
}

// Log is an execution side-effect record attached to a Receipt.
type Log struct {
	Address Address
	Topics  []Hash
	Data    []byte
}

// Receipt records the outcome of applying a single transaction within a
// block.
type Receipt struct {
	TxHash          Hash
	BlockHash       Hash
	BlockHeight     uint64
	TxIndex         uint32
	From            Address
	To              *Address
	ContractAddress *Address
	GasUsed         uint64
	Status          uint8 // 0 = failed, 1 = success
	Logs            []Log
}

// ReceiptsRoot computes the Merkle root over a canonical per-receipt
// encoding, used to populate Header.ReceiptsRoot.
func ReceiptsRoot(receipts []*Receipt) Hash {
	leaves := make([][]byte, 0, len(receipts))
	for _, r := range receipts {
		leaves = append(leaves, receiptBytes(r))
	}
	return NewMerkleTree(leaves).Root()
}

func receiptBytes(r *Receipt) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, r.TxHash[:]...)
	buf = append(buf, r.BlockHash[:]...)
	buf = append(buf, uint64ToBytes(r.BlockHeight)...)
	buf = append(buf, uint64ToBytes(uint64(r.TxIndex))...)
	buf = append(buf, r.From[:]...)
	if r.To != nil {
		buf = append(buf, r.To[:]...)
	}
	if r.ContractAddress != nil {
		buf = append(buf, r.ContractAddress[:]...)
	}
	buf = append(buf, uint64ToBytes(r.GasUsed)...)
	buf = append(buf, r.Status)
	return buf
}

// TxsRoot computes the Merkle root over transaction hashes, used to populate
// Header.TxsRoot and verified during block validation.
func TxsRoot(txs []*Transaction) Hash {
	leaves := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		h := tx.Hash()
		leaves = append(leaves, h[:])
	}
	return NewMerkleTree(leaves).Root()
}
