// Package escrow implements the Escrow Program: the on-chain state
// machine that holds per-owner collateral and settles offline bundles
// against it. The ledger runtime this program executes in is abstracted
// away deliberately; this package models it as a set of instructions
// applied atomically to a Store, the same shape a real on-chain
// program's instruction handlers take.
package escrow

import (
	"github.com/meridianpay/offline-settle/ledger"
)

const (
	RecentHashesCapacity  = 16
	BundleHistoryCapacity = 32
	FraudRecordsCapacity  = 16
)

// MaxAttestationAge bounds proof replay on-chain. It is deliberately
// looser than the Attestation Service's 5-minute envelope freshness
// window: a bundle can sit queued on a device for a long time waiting
// for connectivity after a fresh attestation, so the ledger's bound
// covers that whole window rather than the tight one the service
// enforces at issuance time. Expressed in the same unit as
// AttestationProof.Timestamp and the Program's injected clock:
// milliseconds since epoch.
const MaxAttestationAge = 24 * 60 * 60 * 1000

// FraudReason enumerates why a fraud record was filed.
type FraudReason string

const (
	FraudDuplicateBundle    FraudReason = "DuplicateBundle"
	FraudInvalidAttestation FraudReason = "InvalidAttestation"
	FraudOther              FraudReason = "Other"
)

// BundleHistoryEntry is one settled-bundle record kept for audit, held
// in a bounded ring of 32.
type BundleHistoryEntry struct {
	BundleHash ledger.Hash32
	Merchant   ledger.PubKey
	Amount     uint64
	SettledAt  int64
	Nonce      uint64
}

// FraudRecord is one reported conflict, held in a bounded ring of 16.
type FraudRecord struct {
	BundleHash      ledger.Hash32
	ConflictingHash ledger.Hash32
	Reporter        ledger.PubKey
	ReportedAt      int64
	Reason          FraudReason
}

// EscrowAccount is the per-owner collateral account.
type EscrowAccount struct {
	Owner              ledger.PubKey
	EscrowTokenAccount ledger.PubKey
	EscrowBalance      uint64
	LastNonce          uint64
	ReputationScore    uint16
	TotalSpent         uint64
	TotalWithdrawn     uint64 // tracked so balance + withdrawn + spent reconciles against deposits
	CreatedAt          int64
	Bump               uint8

	// Legacy marks an account created under the pre-upgrade, shorter
	// account layout. It is never set by InitializeEscrow; only a
	// pre-seeded legacy fixture (or a real chain's existing state) can
	// carry it. Operators must invoke MigrateLegacyAccount explicitly —
	// nothing in this program auto-migrates it.
	Legacy bool
}

// NonceRegistry is the per-payer duplicate-detection and history
// record.
type NonceRegistry struct {
	Owner              ledger.PubKey
	LastNonce          uint64
	RecentBundleHashes *Ring[ledger.Hash32]
	BundleHistory      *Ring[BundleHistoryEntry]
	FraudRecords       *Ring[FraudRecord]
}

// NewNonceRegistry builds an empty registry with the fixed ring
// capacities.
func NewNonceRegistry(owner ledger.PubKey) *NonceRegistry {
	return &NonceRegistry{
		Owner:              owner,
		RecentBundleHashes: NewRing[ledger.Hash32](RecentHashesCapacity),
		BundleHistory:      NewRing[BundleHistoryEntry](BundleHistoryCapacity),
		FraudRecords:       NewRing[FraudRecord](FraudRecordsCapacity),
	}
}

// containsHash reports whether h is present among recent bundle hashes,
// the basis of the duplicate-bundle check.
func (n *NonceRegistry) containsHash(h ledger.Hash32) bool {
	for _, e := range n.RecentBundleHashes.Entries() {
		if e == h {
			return true
		}
	}
	return false
}

// historyContains reports whether h already appears in bundle_history —
// used to reject a fraud report that would be self-contradictory: a
// settled bundle can't also be evidence of a conflict.
func (n *NonceRegistry) historyContains(h ledger.Hash32) bool {
	for _, e := range n.BundleHistory.Entries() {
		if e.BundleHash == h {
			return true
		}
	}
	return false
}
