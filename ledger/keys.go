// Package ledger holds the primitive types and canonical encodings shared
// by the bundle engine, the attestation service, and the escrow program:
// public keys, signatures, and the byte-for-byte hash functions that every
// implementation (device, service, on-chain program) must agree on.
package ledger

import (
	"encoding/hex"

	solana "github.com/gagliardetto/solana-go"
)

// PubKeySize is the width of an Ed25519 public key, also used as the
// on-chain account/address width.
const PubKeySize = 32

// SignatureSize is the width of an Ed25519 signature.
const SignatureSize = 64

// PubKey is a 32-byte Ed25519 public key, doubling as a ledger identity.
type PubKey [PubKeySize]byte

// String renders the key in base58, the encoding used throughout the
// pack's Solana-flavored examples for on-chain addresses.
func (k PubKey) String() string {
	return solana.PublicKeyFromBytes(k[:]).String()
}

// Bytes returns the raw 32 bytes.
func (k PubKey) Bytes() []byte { return k[:] }

// IsZero reports whether the key is the zero value (never a valid
// identity on the ledger).
func (k PubKey) IsZero() bool {
	return k == PubKey{}
}

// PubKeyFromBase58 parses a base58-encoded public key, the text form used
// by the transport JSON payloads and the HTTP API.
func PubKeyFromBase58(s string) (PubKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return PubKey{}, err
	}
	var out PubKey
	copy(out[:], pk[:])
	return out, nil
}

// Signature is a 64-byte Ed25519 signature.
type Signature [SignatureSize]byte

// Bytes returns the raw 64 bytes.
func (s Signature) Bytes() []byte { return s[:] }

// IsZero reports whether the signature slot is empty (not yet signed).
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// Hash32 is a 32-byte SHA-256 digest, used both for the canonical bundle
// hash and the canonical attestation root.
type Hash32 [32]byte

func (h Hash32) String() string { return hex.EncodeToString(h[:]) }

// Bytes returns the raw 32 bytes.
func (h Hash32) Bytes() []byte { return h[:] }
