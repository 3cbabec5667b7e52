package core

import "github.com/holiman/uint256"

// Account is the on-chain record for an address: nonce, balance, and (for
// contracts) code/storage roots. An account is empty iff every field is
// zero-valued; empty accounts are never materialized in the state store.
type Account struct {
	Nonce       uint64
	Balance     *uint256.Int
	StorageRoot Hash
	CodeHash    Hash
}

// emptyAccount returns the canonical non-materialized account value.
func emptyAccount() Account {
	return Account{Balance: uint256.NewInt(0)}
}

// IsEmpty reports whether every field of the account is zero-valued.
func (a Account) IsEmpty() bool {
	return a.Nonce == 0 &&
		(a.Balance == nil || a.Balance.IsZero()) &&
		a.StorageRoot.IsZero() &&
		a.CodeHash.IsZero()
}

// clone returns a deep copy of the account so staged writes never alias a
// snapshot's committed values.
func (a Account) clone() Account {
	var bal *uint256.Int
	if a.Balance != nil {
		bal = new(uint256.Int).Set(a.Balance)
	} else {
		bal = uint256.NewInt(0)
	}
	return Account{
		Nonce:       a.Nonce,
		Balance:     bal,
		StorageRoot: a.StorageRoot,
		CodeHash:    a.CodeHash,
	}
}
