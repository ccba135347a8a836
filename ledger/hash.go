package ledger

import (
	"bytes"
	"crypto/sha256"

	bin "github.com/gagliardetto/binary"
)

// Role distinguishes payer from merchant in the attestation root and
// anywhere else a "dynamic dispatch on role" would otherwise call for a
// subclass hierarchy.
type Role byte

const (
	RolePayer    Role = 0
	RoleMerchant Role = 1
)

func (r Role) String() string {
	if r == RoleMerchant {
		return "merchant"
	}
	return "payer"
}

// attestationDomainTag prefixes every canonical attestation root so a
// signature over one message type can never be replayed as another.
var attestationDomainTag = []byte("offline-settle/attestation-root/v1")

// BundleHashInput is the set of fields hashed by CanonicalBundleHash, in
// a fixed field order. Signatures are excluded by construction — the
// hash identifies the payment terms, not any particular signing of them.
type BundleHashInput struct {
	PayerPubKey    PubKey
	MerchantPubKey PubKey
	Mint           PubKey
	Amount         uint64
	Nonce          uint64
	Timestamp      int64
	TxID           string
}

// CanonicalBundleHash computes SHA-256 over the concatenation of
// payer_pubkey (32B) || merchant_pubkey (32B) || mint (32B) ||
// amount (8B LE u64) || nonce (8B LE u64) || timestamp (8B LE i64) ||
// tx_id (4B LE u32 length-prefix + UTF-8 bytes).
//
// Every implementation — device, attestation service, on-chain program —
// MUST reproduce this byte-for-byte; it is what both parties sign and
// what the ledger checks duplicates against.
func CanonicalBundleHash(in BundleHashInput) (Hash32, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)

	if err := enc.WriteBytes(in.PayerPubKey.Bytes(), false); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteBytes(in.MerchantPubKey.Bytes(), false); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteBytes(in.Mint.Bytes(), false); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteUint64(in.Amount, bin.LE); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteUint64(in.Nonce, bin.LE); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteInt64(in.Timestamp, bin.LE); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteUint32(uint32(len(in.TxID)), bin.LE); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteBytes([]byte(in.TxID), false); err != nil {
		return Hash32{}, err
	}

	return sha256.Sum256(buf.Bytes()), nil
}

// AttestationRootInput is the set of fields hashed by
// CanonicalAttestationRoot, one per (bundle, role) pair.
type AttestationRootInput struct {
	BundleID             string
	Payer                PubKey
	Merchant             PubKey
	Amount               uint64
	BundleNonce          uint64
	Role                 Role
	AttestationNonce     [32]byte
	AttestationTimestamp int64
}

// CanonicalAttestationRoot computes SHA-256 over a fixed domain tag
// followed by bundle_id, payer, merchant, amount, bundle_nonce,
// role_byte, attestation_nonce, attestation_timestamp. Device, service,
// and on-chain verifier must compute the identical byte sequence — this
// is the hardest interoperability requirement in the whole protocol.
func CanonicalAttestationRoot(in AttestationRootInput) (Hash32, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)

	if err := enc.WriteBytes(attestationDomainTag, false); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteBytes([]byte(in.BundleID), false); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteBytes(in.Payer.Bytes(), false); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteBytes(in.Merchant.Bytes(), false); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteUint64(in.Amount, bin.LE); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteUint64(in.BundleNonce, bin.LE); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteByte(byte(in.Role)); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteBytes(in.AttestationNonce[:], false); err != nil {
		return Hash32{}, err
	}
	if err := enc.WriteInt64(in.AttestationTimestamp, bin.LE); err != nil {
		return Hash32{}, err
	}

	return sha256.Sum256(buf.Bytes()), nil
}
