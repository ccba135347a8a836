// Package bundle implements the Bundle Engine: the device-side state
// machine that constructs, signs, persists, and replays offline payment
// bundles.
package bundle

import (
	"github.com/meridianpay/offline-settle/ledger"
)

// Token describes the asset a bundle moves.
type Token struct {
	Mint   ledger.PubKey
	Amount uint64
	Symbol string // display only, never hashed
}

// OfflineBundle is the payment contract exchanged offline.
type OfflineBundle struct {
	TxID              string
	PayerPubKey       ledger.PubKey
	MerchantPubKey    ledger.PubKey
	Token             Token
	Nonce             uint64
	Timestamp         int64 // epoch milliseconds
	PayerSignature    ledger.Signature
	MerchantSignature ledger.Signature
}

// Hash computes the canonical bundle hash: deterministic from every
// field above except the two signatures.
func (b OfflineBundle) Hash() (ledger.Hash32, error) {
	return ledger.CanonicalBundleHash(ledger.BundleHashInput{
		PayerPubKey:    b.PayerPubKey,
		MerchantPubKey: b.MerchantPubKey,
		Mint:           b.Token.Mint,
		Amount:         b.Token.Amount,
		Nonce:          b.Nonce,
		Timestamp:      b.Timestamp,
		TxID:           b.TxID,
	})
}

// VerifySignatures reports whether both the payer and merchant
// signatures verify against their respective public keys over the
// canonical hash.
func (b OfflineBundle) VerifySignatures() (bool, error) {
	hash, err := b.Hash()
	if err != nil {
		return false, err
	}
	if b.PayerSignature.IsZero() {
		return false, nil
	}
	if !ledger.Verify(b.PayerPubKey, hash.Bytes(), b.PayerSignature) {
		return false, nil
	}
	if b.MerchantSignature.IsZero() {
		return false, nil
	}
	return ledger.Verify(b.MerchantPubKey, hash.Bytes(), b.MerchantSignature), nil
}
