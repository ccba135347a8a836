// Package attestation implements the Attestation Service: validating
// device integrity tokens, binding them to a bundle, and issuing the
// signed proofs the Escrow Program trusts.
package attestation

import (
	"time"

	"github.com/meridianpay/offline-settle/ledger"
)

// SecurityLevel is the device's attestation hardware tier.
type SecurityLevel string

const (
	SecurityStrongBox SecurityLevel = "STRONGBOX"
	SecurityTEE       SecurityLevel = "TEE"
	SecuritySoftware  SecurityLevel = "SOFTWARE"
)

// DeviceInfo describes the attesting device.
type DeviceInfo struct {
	Model         string
	OSVersion     string
	SecurityLevel SecurityLevel
}

// Envelope is produced per party by the device. It is never sent to the
// ledger directly — only the Proof this service derives from it is.
type Envelope struct {
	BundleID          string
	Timestamp         int64
	Nonce             [32]byte
	AttestationReport []byte
	Signature         ledger.Signature
	CertificateChain  [][]byte // DER-encoded certs
	DeviceInfo        DeviceInfo
	DeviceID          string // used for blacklisting/reputation bookkeeping
	DevicePubKey      ledger.PubKey
}

// MaxEnvelopeAge is the strict freshness bound the service enforces on
// envelopes. This is deliberately stricter than the Escrow Program's 24h
// proof-replay bound — a bundle can sit queued on-device for a long time
// waiting for connectivity after a fresh attestation, so the two bounds
// are kept separate rather than unified.
const MaxEnvelopeAge = 5 * time.Minute

// EnvelopeCacheTTL is how long a validated envelope is cached per
// bundle_id to absorb duplicate requests.
const EnvelopeCacheTTL = time.Hour
