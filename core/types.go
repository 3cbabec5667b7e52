package core

import (
	"encoding/hex"
	"fmt"
)

// Address is a 20-byte account identifier derived from a public key.
type Address [20]byte

// Hash is a 32-byte digest used for block, transaction and state roots.
type Hash [32]byte

// ZeroHash is the canonical all-zero digest used as a genesis parent hash
// and as the empty-tree Merkle root's leaf input.
var ZeroHash = Hash{}

func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }
func (h Hash) Hex() string    { return "0x" + hex.EncodeToString(h[:]) }

func (a Address) String() string { return a.Hex() }
func (h Hash) String() string    { return h.Hex() }

func (a Address) IsZero() bool { return a == Address{} }
func (h Hash) IsZero() bool    { return h == Hash{} }

// BytesToAddress right-aligns b into a 20-byte Address, zero-padding on the
// left when b is shorter and taking the last 20 bytes when b is longer (the convention used throughout the
// chain for deriving addresses from digests).
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) >= 20 {
		copy(a[:], b[len(b)-20:])
	} else {
		copy(a[20-len(b):], b)
	}
	return a
}

// BytesToHash right-aligns b into a 32-byte Hash.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) >= 32 {
		copy(h[:], b[len(b)-32:])
	} else {
		copy(h[32-len(b):], b)
	}
	return h
}

// HexToAddress parses a 0x-prefixed or bare hex string into an Address.
func HexToAddress(s string) (Address, error) {
	b, err := decodeHex(s)
	if err != nil {
		return Address{}, err
	}
	if len(b) != 20 {
		return Address{}, fmt.Errorf("address must be 20 bytes, got %d", len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// HexToHash parses a 0x-prefixed or bare hex string into a Hash.
func HexToHash(s string) (Hash, error) {
	b, err := decodeHex(s)
	if err != nil {
		return Hash{}, err
	}
	if len(b) != 32 {
		return Hash{}, fmt.Errorf("hash must be 32 bytes, got %d", len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}
