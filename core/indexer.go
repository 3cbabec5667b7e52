package core

import "sync"

// addressIndex is the set of derived lookups indexer.go maintains on top of
// Storage, per spec.md §4.7.
type addressIndex struct {
	txHashes []Hash
	txCount  uint64
}

// Indexer maintains address-keyed lookups derived from the canonical chain,
// rebuildable at any time from Storage alone. Grounded on the
// teacher's in-memory map style (ledger.go's nonces/TokenBalances maps),
// generalized into a dedicated rebuildable component per SPEC_FULL.md.
type Indexer struct {
	mu      sync.RWMutex
	byAddr  map[Address]*addressIndex
}

// NewIndexer returns an empty indexer.
func NewIndexer() *Indexer {
	return &Indexer{byAddr: make(map[Address]*addressIndex)}
}

func (ix *Indexer) entry(addr Address) *addressIndex {
	e, ok := ix.byAddr[addr]
	if !ok {
		e = &addressIndex{}
		ix.byAddr[addr] = e
	}
	return e
}

// IndexBlock records every transaction in block against its sender and
// recipient (or contract address, for creations).
func (ix *Indexer) IndexBlock(block *Block) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, tx := range block.Transactions {
		hash := tx.Hash()
		from := ix.entry(tx.From)
		from.txHashes = append(from.txHashes, hash)
		from.txCount++

		if tx.To != nil {
			to := ix.entry(*tx.To)
			to.txHashes = append(to.txHashes, hash)
			to.txCount++
		} else if tx.IsContractCreation() {
			contract := ContractAddress(tx.From, tx.Nonce)
			c := ix.entry(contract)
			c.txHashes = append(c.txHashes, hash)
		}
	}
}

// TransactionsByAddress returns every transaction hash recorded for addr, in
// the order they were indexed.
func (ix *Indexer) TransactionsByAddress(addr Address) []Hash {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.byAddr[addr]
	if !ok {
		return nil
	}
	out := make([]Hash, len(e.txHashes))
	copy(out, e.txHashes)
	return out
}

// TransactionCount returns the number of transactions recorded against addr
// (sender or recipient).
func (ix *Indexer) TransactionCount(addr Address) uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.byAddr[addr]
	if !ok {
		return 0
	}
	return e.txCount
}

// Rebuild discards the current index and replays every stored block from
// height 0 through best height, per spec.md §4.7's "rebuildable from the
// canonical storage" requirement.
func (ix *Indexer) Rebuild(storage *Storage) error {
	ix.mu.Lock()
	ix.byAddr = make(map[Address]*addressIndex)
	ix.mu.Unlock()

	best, err := storage.BestHeight()
	if err != nil {
		return err
	}
	blocks, err := storage.GetBlocksInRange(0, best)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		ix.IndexBlock(b)
	}
	return nil
}
