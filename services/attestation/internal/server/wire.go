package server

import (
	"encoding/base64"
	"strconv"

	"github.com/meridianpay/offline-settle/attestation"
	"github.com/meridianpay/offline-settle/ledger"
)

// bundleSummaryWire is the {amount, nonce, payer, merchant} shape shared
// by /verify-attestation and /settle-offline request bodies.
type bundleSummaryWire struct {
	Amount   string `json:"amount" binding:"required"`
	Nonce    string `json:"nonce" binding:"required"`
	Payer    string `json:"payer" binding:"required"`
	Merchant string `json:"merchant" binding:"required"`
}

func (w bundleSummaryWire) decode() (amount, nonce uint64, payer, merchant ledger.PubKey, err error) {
	amount, err = strconv.ParseUint(w.Amount, 10, 64)
	if err != nil {
		return
	}
	nonce, err = strconv.ParseUint(w.Nonce, 10, 64)
	if err != nil {
		return
	}
	payer, err = ledger.PubKeyFromBase58(w.Payer)
	if err != nil {
		return
	}
	merchant, err = ledger.PubKeyFromBase58(w.Merchant)
	return
}

// envelopeWire is the device-signed attestation envelope on the wire,
// with binary fields base64-encoded.
type envelopeWire struct {
	BundleID          string   `json:"bundleId" binding:"required"`
	Timestamp         int64    `json:"timestamp" binding:"required"`
	Nonce             string   `json:"nonce" binding:"required"`
	AttestationReport string   `json:"attestationReport"`
	Signature         string   `json:"signature"`
	CertificateChain  []string `json:"certificateChain"`
	DeviceModel       string   `json:"deviceModel"`
	DeviceOSVersion   string   `json:"deviceOsVersion"`
	DeviceSecurity    string   `json:"deviceSecurityLevel"`
	DeviceID          string   `json:"deviceId" binding:"required"`
	DevicePubKey      string   `json:"devicePubKey" binding:"required"`
}

func (w envelopeWire) decode() (attestation.Envelope, error) {
	var env attestation.Envelope

	nonceRaw, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil {
		return env, err
	}
	var nonce [32]byte
	copy(nonce[:], nonceRaw)

	report, err := base64.StdEncoding.DecodeString(w.AttestationReport)
	if err != nil {
		return env, err
	}
	sigRaw, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil {
		return env, err
	}
	var sig ledger.Signature
	copy(sig[:], sigRaw)

	chain := make([][]byte, 0, len(w.CertificateChain))
	for _, c := range w.CertificateChain {
		der, err := base64.StdEncoding.DecodeString(c)
		if err != nil {
			return env, err
		}
		chain = append(chain, der)
	}

	devicePub, err := ledger.PubKeyFromBase58(w.DevicePubKey)
	if err != nil {
		return env, err
	}

	env = attestation.Envelope{
		BundleID:          w.BundleID,
		Timestamp:         w.Timestamp,
		Nonce:             nonce,
		AttestationReport: report,
		Signature:         sig,
		CertificateChain:  chain,
		DeviceInfo: attestation.DeviceInfo{
			Model:         w.DeviceModel,
			OSVersion:     w.DeviceOSVersion,
			SecurityLevel: attestation.SecurityLevel(w.DeviceSecurity),
		},
		DeviceID:     w.DeviceID,
		DevicePubKey: devicePub,
	}
	return env, nil
}

// proofWire is the {root, nonce, signature, timestamp} Proof shape
// /verify-attestation and /settle-offline exchange.
type proofWire struct {
	Root      string `json:"root"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

func encodeProof(p ledger.AttestationProof) proofWire {
	return proofWire{
		Root:      base64.StdEncoding.EncodeToString(p.Root.Bytes()),
		Nonce:     base64.StdEncoding.EncodeToString(p.Nonce[:]),
		Signature: base64.StdEncoding.EncodeToString(p.Signature.Bytes()),
		Timestamp: p.Timestamp,
	}
}

func (w proofWire) decode() (ledger.AttestationProof, error) {
	var proof ledger.AttestationProof

	rootRaw, err := base64.StdEncoding.DecodeString(w.Root)
	if err != nil {
		return proof, err
	}
	copy(proof.Root[:], rootRaw)

	nonceRaw, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil {
		return proof, err
	}
	copy(proof.Nonce[:], nonceRaw)

	sigRaw, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil {
		return proof, err
	}
	copy(proof.Signature[:], sigRaw)

	proof.Timestamp = w.Timestamp
	return proof, nil
}
