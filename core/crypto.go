package core

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/sha3"
)

// ErrInvalidKey is returned for malformed key material. It never panics the
// caller; callers compare against this sentinel with errors.Is.
var ErrInvalidKey = errors.New("crypto: invalid key")

// KeyPair bundles a secp256k1 private key with its derived public key.
type KeyPair struct {
	Secret *secp256k1.PrivateKey
	Public *secp256k1.PublicKey
}

// Sha256 hashes b with SHA-256.
func Sha256(b []byte) Hash {
	return sha256.Sum256(b)
}

// KeccakLike hashes b with the Ethereum-style Keccak-256 permutation (the
// pre-NIST variant, not SHA3-256).
func KeccakLike(b []byte) Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out Hash
	h.Sum(out[:0])
	return out
}

// KeypairGenerate creates a fresh secp256k1 key pair using a CSPRNG.
func KeypairGenerate() (*KeyPair, error) {
	secret, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &KeyPair{Secret: secret, Public: secret.PubKey()}, nil
}

// KeypairFromSecret reconstructs a key pair from a 32-byte secret scalar.
func KeypairFromSecret(secret []byte) (*KeyPair, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: secret must be 32 bytes, got %d", ErrInvalidKey, len(secret))
	}
	priv := secp256k1.PrivKeyFromBytes(secret)
	if priv == nil {
		return nil, ErrInvalidKey
	}
	return &KeyPair{Secret: priv, Public: priv.PubKey()}, nil
}

// KeypairFromMnemonic derives a secret from a BIP-39 mnemonic phrase and an
// optional passphrase. Used by operator tooling (e.g. the genesis CLI) to
// generate reproducible validator keys; the core chain never requires a
// mnemonic.
func KeypairFromMnemonic(mnemonic, passphrase string) (*KeyPair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: invalid mnemonic", ErrInvalidKey)
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return KeypairFromSecret(seed[:32])
}

// Sign produces a 65-byte recoverable signature (r || s || v) over message.
func Sign(secret *secp256k1.PrivateKey, message []byte) [65]byte {
	digest := sha256.Sum256(message)
	compact := ecdsa.SignCompact(secret, digest[:], false)
	// decred's compact format is (header-byte || r || s); rotate the header
	// byte to the end so the wire format is r || s || v, with the recovery
	// byte trailing.
	var out [65]byte
	copy(out[0:64], compact[1:65])
	out[64] = compact[0]
	return out
}

// Verify checks a 65-byte signature against message and a serialized
// (33 or 65 byte) public key. It never panics; malformed input yields false.
func Verify(message []byte, signature [65]byte, publicKey []byte) bool {
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(message)
	sig := ecdsa.NewSignature(
		new(secp256k1.ModNScalar).SetByteSlice(signature[0:32]),
		new(secp256k1.ModNScalar).SetByteSlice(signature[32:64]),
	)
	return sig.Verify(digest[:], pub)
}

// RecoverPublicKey reconstructs the signer's public key from a 65-byte
// signature and the signed message, failing if the signature is malformed.
func RecoverPublicKey(message []byte, signature [65]byte) (*secp256k1.PublicKey, error) {
	digest := sha256.Sum256(message)
	compact := make([]byte, 65)
	compact[0] = signature[64]
	copy(compact[1:], signature[0:64])
	pub, _, err := ecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: recover: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// AddressFromPublic derives a 20-byte address as the last 20 bytes of the
// Keccak-like digest of the uncompressed public key (minus its 0x04 prefix,
// matching the Ethereum-style convention the spec references).
func AddressFromPublic(publicKey *secp256k1.PublicKey) Address {
	raw := publicKey.SerializeUncompressed()[1:] // drop the 0x04 prefix
	digest := KeccakLike(raw)
	return BytesToAddress(digest[:])
}

// RandomBytes returns n cryptographically random bytes, used by tests and
// CLI tooling that need ephemeral identifiers.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// PublicKeyFingerprint returns the 32-byte x-only coordinate of pub, the
// representation used wherever the chain's data model calls for a 32-byte
// "public_key" field (ValidatorMeta, Header.Validator, consensus commitment
// aggregator keys): a full compressed secp256k1 key is 33 bytes, one byte
// more than the spec's fixed-size field, so only the x-coordinate is kept
// and the y-parity is recovered by trying both candidates on verify.
func PublicKeyFingerprint(pub *secp256k1.PublicKey) [32]byte {
	var out [32]byte
	copy(out[:], pub.SerializeCompressed()[1:])
	return out
}

// VerifyXOnly checks signature against message using the 32-byte x-only
// public key fingerprint, trying both y-parities. Never panics; returns
// false for any malformed input.
func VerifyXOnly(message []byte, signature [65]byte, fingerprint [32]byte) bool {
	for _, prefix := range [2]byte{0x02, 0x03} {
		candidate := make([]byte, 33)
		candidate[0] = prefix
		copy(candidate[1:], fingerprint[:])
		if Verify(message, signature, candidate) {
			return true
		}
	}
	return false
}
