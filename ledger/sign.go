package ledger

import "crypto/ed25519"

// Sign signs message with an Ed25519 private key. The bundle engine never
// holds a raw scalar itself — keys live in a device-managed secure
// element — so this helper exists for the attestation service's verifier
// key and for test fixtures that stand in for the secure element.
func Sign(priv ed25519.PrivateKey, message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(priv, message))
	return sig
}

// Verify checks an Ed25519 signature over message against pub.
func Verify(pub PubKey, message []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, sig[:])
}
