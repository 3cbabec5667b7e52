package core

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/holiman/uint256"
)

// ValidatorMeta is the overlay record tracking a validator's public key and
// activity flag, keyed by address per spec.md §3 (kept as a dedicated
// namespace rather than the teacher's address-prefix-on-Account trick,
// resolving open question #5).
type ValidatorMeta struct {
	PublicKey [32]byte
	Active    bool
}

// stateLayer is a copy-on-write set of overlay maps. StateStore keeps a
// committed layer and a dirty layer on top of it; get() consults dirty first.
type stateLayer struct {
	accounts map[Address]Account
	stake    map[Address]*uint256.Int
	rewards  map[Address]*uint256.Int
	meta     map[Address]ValidatorMeta
	code     map[Address][]byte
}

func newStateLayer() stateLayer {
	return stateLayer{
		accounts: make(map[Address]Account),
		stake:    make(map[Address]*uint256.Int),
		rewards:  make(map[Address]*uint256.Int),
		meta:     make(map[Address]ValidatorMeta),
		code:     make(map[Address][]byte),
	}
}

func (l stateLayer) clone() stateLayer {
	out := newStateLayer()
	for k, v := range l.accounts {
		out.accounts[k] = v.clone()
	}
	for k, v := range l.stake {
		out.stake[k] = new(uint256.Int).Set(v)
	}
	for k, v := range l.rewards {
		out.rewards[k] = new(uint256.Int).Set(v)
	}
	for k, v := range l.meta {
		out.meta[k] = v
	}
	for k, v := range l.code {
		cp := make([]byte, len(v))
		copy(cp, v)
		out.code[k] = cp
	}
	return out
}

// StateStore is the account-based world state: a mapping from address to
// Account plus staking/reward/validator-metadata overlay namespaces, with
// snapshot/commit/rollback transactional semantics and a deterministic
// state-root digest. Grounded on the teacher's ledger.go State map and
// stake_penalty.go's stake/penalty keyspace, generalized per SPEC_FULL.md.
type StateStore struct {
	mu        sync.RWMutex
	committed stateLayer
	dirty     stateLayer
	snapshots []stateLayer
}

// NewStateStore returns an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{
		committed: newStateLayer(),
		dirty:     newStateLayer(),
	}
}

// Get returns the current account for addr, or the non-materialized empty
// account if none exists.
func (s *StateStore) Get(addr Address) Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.dirty.accounts[addr]; ok {
		return a
	}
	if a, ok := s.committed.accounts[addr]; ok {
		return a
	}
	return emptyAccount()
}

// Set stages a write to addr's account, visible immediately to further Get
// calls but not to the committed state root until Commit.
func (s *StateStore) Set(addr Address, acct Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct.IsEmpty() {
		// Staged as an empty entry so Get sees it and Commit removes any
		// committed record for addr.
		s.dirty.accounts[addr] = emptyAccount()
		return
	}
	s.dirty.accounts[addr] = acct.clone()
}

// Balance returns addr's current balance.
func (s *StateStore) Balance(addr Address) *uint256.Int {
	return new(uint256.Int).Set(s.Get(addr).Balance)
}

// Nonce returns addr's current nonce.
func (s *StateStore) Nonce(addr Address) uint64 { return s.Get(addr).Nonce }

// IncrementNonce bumps addr's nonce by one.
func (s *StateStore) IncrementNonce(addr Address) {
	a := s.Get(addr)
	a.Nonce++
	s.Set(addr, a)
}

// AddBalance credits addr's balance by amount, materializing the account if
// needed.
func (s *StateStore) AddBalance(addr Address, amount *uint256.Int) {
	a := s.Get(addr)
	bal := new(uint256.Int).Set(a.Balance)
	bal.Add(bal, amount)
	a.Balance = bal
	s.Set(addr, a)
}

// SubBalance debits addr's balance by amount, failing with
// KindInsufficientBalance on underflow and leaving state untouched.
func (s *StateStore) SubBalance(addr Address, amount *uint256.Int) error {
	a := s.Get(addr)
	if a.Balance.Cmp(amount) < 0 {
		return NewError(KindInsufficientBalance, "balance underflow for "+addr.Hex())
	}
	bal := new(uint256.Int).Set(a.Balance)
	bal.Sub(bal, amount)
	a.Balance = bal
	s.Set(addr, a)
	return nil
}

// Transfer atomically moves amount from from's balance to to's balance. On
// InsufficientBalance, no write occurs.
func (s *StateStore) Transfer(from, to Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	fromAcct := s.Get(from)
	if fromAcct.Balance.Cmp(amount) < 0 {
		return NewError(KindInsufficientBalance, "balance underflow for "+from.Hex())
	}
	fromAcct.Balance = new(uint256.Int).Sub(fromAcct.Balance, amount)
	toAcct := s.Get(to)
	toAcct.Balance = new(uint256.Int).Add(toAcct.Balance, amount)
	s.Set(from, fromAcct)
	s.Set(to, toAcct)
	return nil
}

//--------------------------------------------------------------------------
// Staking / reward / validator-metadata overlays
//--------------------------------------------------------------------------

// AddStake increases the bonded stake recorded for addr.
func (s *StateStore) AddStake(addr Address, amount *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.rawStake(addr)
	cur.Add(cur, amount)
	s.dirty.stake[addr] = cur
}

// SubStake decreases the bonded stake recorded for addr, failing with
// KindInsufficientStake on underflow.
func (s *StateStore) SubStake(addr Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.rawStake(addr)
	if cur.Cmp(amount) < 0 {
		return NewError(KindInsufficientStake, "stake underflow for "+addr.Hex())
	}
	cur.Sub(cur, amount)
	s.dirty.stake[addr] = cur
	return nil
}

// GetStake returns addr's current bonded stake.
func (s *StateStore) GetStake(addr Address) *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(uint256.Int).Set(s.rawStake(addr))
}

// rawStake must be called with s.mu held.
func (s *StateStore) rawStake(addr Address) *uint256.Int {
	if v, ok := s.dirty.stake[addr]; ok {
		return new(uint256.Int).Set(v)
	}
	if v, ok := s.committed.stake[addr]; ok {
		return new(uint256.Int).Set(v)
	}
	return uint256.NewInt(0)
}

// AddReward credits addr's claimable pending rewards.
func (s *StateStore) AddReward(addr Address, amount *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.rawReward(addr)
	cur.Add(cur, amount)
	s.dirty.rewards[addr] = cur
}

// GetPendingRewards returns addr's current claimable pending rewards.
func (s *StateStore) GetPendingRewards(addr Address) *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(uint256.Int).Set(s.rawReward(addr))
}

func (s *StateStore) rawReward(addr Address) *uint256.Int {
	if v, ok := s.dirty.rewards[addr]; ok {
		return new(uint256.Int).Set(v)
	}
	if v, ok := s.committed.rewards[addr]; ok {
		return new(uint256.Int).Set(v)
	}
	return uint256.NewInt(0)
}

// ClaimRewards atomically moves addr's pending rewards into its balance and
// zeros the pending entry, failing with KindNoPendingRewards if there is
// nothing to claim.
func (s *StateStore) ClaimRewards(addr Address) (*uint256.Int, error) {
	pending := s.GetPendingRewards(addr)
	if pending.IsZero() {
		return nil, NewError(KindNoPendingRewards, "no pending rewards for "+addr.Hex())
	}
	s.mu.Lock()
	s.dirty.rewards[addr] = uint256.NewInt(0)
	s.mu.Unlock()
	s.AddBalance(addr, pending)
	return pending, nil
}

// SetValidatorMeta records the public key and active flag for addr.
func (s *StateStore) SetValidatorMeta(addr Address, meta ValidatorMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty.meta[addr] = meta
}

// GetValidatorMeta returns addr's validator metadata and whether it exists.
func (s *StateStore) GetValidatorMeta(addr Address) (ValidatorMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.dirty.meta[addr]; ok {
		return m, true
	}
	m, ok := s.committed.meta[addr]
	return m, ok
}

// AllValidatorMeta returns a snapshot of every recorded validator's
// metadata, used to rebuild the in-memory validator registry after restart.
func (s *StateStore) AllValidatorMeta() map[Address]ValidatorMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Address]ValidatorMeta, len(s.committed.meta))
	for addr, meta := range s.committed.meta {
		out[addr] = meta
	}
	for addr, meta := range s.dirty.meta {
		out[addr] = meta
	}
	return out
}

// SetContractCode stores deployed bytecode at addr (contract-creation only;
// no execution path exists over it per spec.md's VM non-goal).
func (s *StateStore) SetContractCode(addr Address, code []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(code))
	copy(cp, code)
	s.dirty.code[addr] = cp
}

// GetContractCode returns addr's stored bytecode, if any.
func (s *StateStore) GetContractCode(addr Address) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.dirty.code[addr]; ok {
		return c, true
	}
	c, ok := s.committed.code[addr]
	return c, ok
}

//--------------------------------------------------------------------------
// Snapshot / rollback / commit
//--------------------------------------------------------------------------

// Snapshot captures the full current (including staged) state and returns an
// id usable with RollbackTo. Snapshots nest on a stack.
func (s *StateStore) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, s.dirty.clone())
	return len(s.snapshots) - 1
}

// RollbackTo restores the state captured at id and discards all later
// snapshots.
func (s *StateStore) RollbackTo(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.snapshots) {
		return NewError(KindNotFound, "no such snapshot")
	}
	s.dirty = s.snapshots[id].clone()
	s.snapshots = s.snapshots[:id+1]
	return nil
}

// Commit folds staged writes into the committed set, clears the dirty set
// and the snapshot stack, and returns the new state root.
func (s *StateStore) Commit() Hash {
	s.mu.Lock()
	merged := s.dirty.clone()
	for k, v := range merged.accounts {
		if v.IsEmpty() {
			delete(s.committed.accounts, k)
			continue
		}
		s.committed.accounts[k] = v
	}
	for k, v := range merged.stake {
		if v.IsZero() {
			delete(s.committed.stake, k)
			continue
		}
		s.committed.stake[k] = v
	}
	for k, v := range merged.rewards {
		if v.IsZero() {
			delete(s.committed.rewards, k)
			continue
		}
		s.committed.rewards[k] = v
	}
	for k, v := range merged.meta {
		s.committed.meta[k] = v
	}
	for k, v := range merged.code {
		s.committed.code[k] = v
	}
	s.dirty = newStateLayer()
	s.snapshots = nil
	s.mu.Unlock()
	return s.StateRoot()
}

// StateRoot computes the deterministic digest over the canonically
// serialized set of non-empty entries, sorted by address. This is the
// "sorted-hash" variant spec.md's open question #4 permits for an initial
// version; any honest node recomputes it byte-for-byte.
func (s *StateStore) StateRoot() Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrSet := make(map[Address]struct{})
	for a := range s.committed.accounts {
		addrSet[a] = struct{}{}
	}
	for a := range s.committed.stake {
		addrSet[a] = struct{}{}
	}
	for a := range s.committed.rewards {
		addrSet[a] = struct{}{}
	}
	for a := range s.committed.meta {
		addrSet[a] = struct{}{}
	}
	for a := range s.committed.code {
		addrSet[a] = struct{}{}
	}

	addrs := make([]Address, 0, len(addrSet))
	for a := range addrSet {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return lessAddress(addrs[i], addrs[j])
	})

	leaves := make([][]byte, 0, len(addrs))
	for _, a := range addrs {
		leaves = append(leaves, s.canonicalEntry(a))
	}
	return NewMerkleTree(leaves).Root()
}

func lessAddress(a, b Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (s *StateStore) canonicalEntry(addr Address) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, addr[:]...)

	acct, hasAcct := s.committed.accounts[addr]
	if hasAcct {
		var nb [8]byte
		binary.BigEndian.PutUint64(nb[:], acct.Nonce)
		buf = append(buf, nb[:]...)
		buf = append(buf, acct.Balance.Bytes32()[:]...)
		buf = append(buf, acct.StorageRoot[:]...)
		buf = append(buf, acct.CodeHash[:]...)
	}
	if v, ok := s.committed.stake[addr]; ok {
		buf = append(buf, 's')
		buf = append(buf, v.Bytes32()[:]...)
	}
	if v, ok := s.committed.rewards[addr]; ok {
		buf = append(buf, 'r')
		buf = append(buf, v.Bytes32()[:]...)
	}
	if m, ok := s.committed.meta[addr]; ok {
		buf = append(buf, 'm')
		buf = append(buf, m.PublicKey[:]...)
		if m.Active {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	if c, ok := s.committed.code[addr]; ok {
		buf = append(buf, 'c')
		buf = append(buf, c...)
	}
	return buf
}
