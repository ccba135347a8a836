package ledger

// AttestationProof is produced by the Attestation Service and consumed
// by the Escrow Program. It is the only attestation form the on-chain
// program trusts — envelopes themselves never reach the ledger.
type AttestationProof struct {
	Root      Hash32
	Nonce     [32]byte
	Timestamp int64
	Signature Signature
}
