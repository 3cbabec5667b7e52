package core

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
)

// Namespace byte prefixes for the key-value store, per spec.md §4.7.
const (
	prefixBlock  = 'b'
	prefixHeader = 'H'
	prefixTx     = 't'
	prefixHeight = 'h'
	prefixMeta   = 'm'
)

// Metadata keys stored under prefixMeta.
const (
	metaBestHeight = "best_height"
	metaBestHash   = "best_hash"
	metaGenesis    = "genesis_hash"
	metaTxCount    = "tx_count"
)

// storedTransaction pairs a transaction with the hash of the block it was
// included in, the encoding get_transaction returns.
type storedTransaction struct {
	BlockHash Hash
	Tx        *Transaction
}

// Storage is the persistent key-value store backing the canonical chain:
// blocks, headers, transactions, the height index, and chain metadata.
// Grounded on the teacher's NewLedger open-and-replay idiom (ledger.go),
// adapted to a LevelDB backend per the namespaced-prefix design so block
// data does not have to be replayed from a flat WAL on every start.
type Storage struct {
	db     *leveldb.DB
	logger *logrus.Logger
}

// OpenStorage opens (creating if absent) a LevelDB store at dir.
func OpenStorage(dir string, logger *logrus.Logger) (*Storage, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dir, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithField("dir", dir).Info("storage opened")
	return &Storage{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Storage) Close() error { return s.db.Close() }

func blockKey(hash Hash) []byte  { return append([]byte{prefixBlock}, hash[:]...) }
func headerKey(hash Hash) []byte { return append([]byte{prefixHeader}, hash[:]...) }
func txKey(hash Hash) []byte     { return append([]byte{prefixTx}, hash[:]...) }
func heightKey(h uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = prefixHeight
	binary.BigEndian.PutUint64(buf[1:], h)
	return buf
}
func metaKey(key string) []byte { return append([]byte{prefixMeta}, []byte(key)...) }

// StoreBlock persists block, its header, every transaction, and updates the
// best-height/best-hash metadata, all within a single atomic batch.
func (s *Storage) StoreBlock(block *Block) error {
	hash := block.Hash()

	blockBytes, err := rlp.EncodeToBytes(block)
	if err != nil {
		return fmt.Errorf("storage: encode block: %w", err)
	}
	headerBytes, err := rlp.EncodeToBytes(block.Header)
	if err != nil {
		return fmt.Errorf("storage: encode header: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(blockKey(hash), blockBytes)
	batch.Put(headerKey(hash), headerBytes)
	batch.Put(heightKey(block.Header.Height), hash[:])

	var txCount uint64
	if raw, err := s.db.Get(metaKey(metaTxCount), nil); err == nil {
		txCount = binary.BigEndian.Uint64(raw)
	}
	for _, tx := range block.Transactions {
		stored := storedTransaction{BlockHash: hash, Tx: tx}
		txBytes, err := rlp.EncodeToBytes(stored)
		if err != nil {
			return fmt.Errorf("storage: encode tx: %w", err)
		}
		batch.Put(txKey(tx.Hash()), txBytes)
		txCount++
	}
	txCountBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(txCountBytes, txCount)
	batch.Put(metaKey(metaTxCount), txCountBytes)

	heightBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBytes, block.Header.Height)
	batch.Put(metaKey(metaBestHeight), heightBytes)
	batch.Put(metaKey(metaBestHash), hash[:])
	if block.Header.Height == 0 {
		batch.Put(metaKey(metaGenesis), hash[:])
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("storage: write batch: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"height": block.Header.Height, "hash": hash.Hex()}).Debug("block stored")
	return nil
}

// GetBlock returns the full block for hash.
func (s *Storage) GetBlock(hash Hash) (*Block, error) {
	raw, err := s.db.Get(blockKey(hash), nil)
	if err != nil {
		return nil, s.wrapNotFound(err, "block")
	}
	var block Block
	if err := rlp.DecodeBytes(raw, &block); err != nil {
		return nil, WrapError(KindStorageCorrupted, "decode block", err)
	}
	return &block, nil
}

// GetBlockByHeight resolves height to a block hash via the height index,
// then loads the block.
func (s *Storage) GetBlockByHeight(height uint64) (*Block, error) {
	raw, err := s.db.Get(heightKey(height), nil)
	if err != nil {
		return nil, s.wrapNotFound(err, "height index")
	}
	var hash Hash
	copy(hash[:], raw)
	return s.GetBlock(hash)
}

// GetBlockHeader returns just the header for hash, without decoding the
// transaction body.
func (s *Storage) GetBlockHeader(hash Hash) (*Header, error) {
	raw, err := s.db.Get(headerKey(hash), nil)
	if err != nil {
		return nil, s.wrapNotFound(err, "header")
	}
	var h Header
	if err := rlp.DecodeBytes(raw, &h); err != nil {
		return nil, WrapError(KindStorageCorrupted, "decode header", err)
	}
	return &h, nil
}

// GetTransaction returns the transaction for txHash and the hash of the
// block it was included in.
func (s *Storage) GetTransaction(txHash Hash) (*Transaction, Hash, error) {
	raw, err := s.db.Get(txKey(txHash), nil)
	if err != nil {
		return nil, Hash{}, s.wrapNotFound(err, "transaction")
	}
	var stored storedTransaction
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, Hash{}, WrapError(KindStorageCorrupted, "decode transaction", err)
	}
	return stored.Tx, stored.BlockHash, nil
}

// GetBlocksInRange returns the blocks with height in [start, end], inclusive,
// in height order, stopping at the first height that has no stored block.
func (s *Storage) GetBlocksInRange(start, end uint64) ([]*Block, error) {
	if end < start {
		return nil, nil
	}
	blocks := make([]*Block, 0, end-start+1)
	for h := start; h <= end; h++ {
		b, err := s.GetBlockByHeight(h)
		if err != nil {
			if IsKind(err, KindNotFound) {
				break
			}
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// BlockExists reports whether hash is present in the block store.
func (s *Storage) BlockExists(hash Hash) bool {
	ok, _ := s.db.Has(blockKey(hash), nil)
	return ok
}

// TransactionExists reports whether txHash is present in the tx index.
func (s *Storage) TransactionExists(txHash Hash) bool {
	ok, _ := s.db.Has(txKey(txHash), nil)
	return ok
}

// BestHeight returns the height of the most recently stored block.
func (s *Storage) BestHeight() (uint64, error) {
	raw, err := s.db.Get(metaKey(metaBestHeight), nil)
	if err != nil {
		return 0, s.wrapNotFound(err, "best height")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// BestHash returns the hash of the most recently stored block.
func (s *Storage) BestHash() (Hash, error) {
	raw, err := s.db.Get(metaKey(metaBestHash), nil)
	if err != nil {
		return Hash{}, s.wrapNotFound(err, "best hash")
	}
	return BytesToHash(raw), nil
}

// GenesisHash returns the chain's recorded genesis hash.
func (s *Storage) GenesisHash() (Hash, error) {
	raw, err := s.db.Get(metaKey(metaGenesis), nil)
	if err != nil {
		return Hash{}, s.wrapNotFound(err, "genesis hash")
	}
	return BytesToHash(raw), nil
}

// bestHeightOrZero adapts BestHeight to a callback suitable for the node's
// HELLO handshake, which has no error return to report an empty chain.
func (s *Storage) bestHeightOrZero() uint64 {
	h, err := s.BestHeight()
	if err != nil {
		return 0
	}
	return h
}

// bestHashOrZero adapts BestHash to a callback suitable for the node's
// HELLO handshake, which has no error return to report an empty chain.
func (s *Storage) bestHashOrZero() Hash {
	h, err := s.BestHash()
	if err != nil {
		return Hash{}
	}
	return h
}

// TotalTransactionCount returns the running count of transactions stored
// across every block.
func (s *Storage) TotalTransactionCount() uint64 {
	raw, err := s.db.Get(metaKey(metaTxCount), nil)
	if err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func (s *Storage) wrapNotFound(err error, what string) error {
	if err == leveldb.ErrNotFound {
		return NewError(KindNotFound, what+" not found")
	}
	return WrapError(KindWriteFailed, "read "+what, err)
}
