// Command devicesim exercises the full offline-payment lifecycle in a
// single process: a payer and merchant device construct and co-sign an
// OfflineBundle, the Attestation Service verifies their envelopes, and
// the Escrow Program settles the resulting proofs — the same three
// components a real device, service, and ledger would run separately.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log"
	"time"

	"github.com/meridianpay/offline-settle/attestation"
	"github.com/meridianpay/offline-settle/bundle"
	"github.com/meridianpay/offline-settle/escrow"
	"github.com/meridianpay/offline-settle/ledger"
)

type memoryTransferer struct{}

func (memoryTransferer) Transfer(from, to ledger.PubKey, amount uint64) error {
	log.Printf("transfer %s -> %s amount=%d", from, to, amount)
	return nil
}

type keypairSigner struct {
	pub  ledger.PubKey
	priv ed25519.PrivateKey
}

func newKeypairSigner() (*keypairSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var pk ledger.PubKey
	copy(pk[:], pub)
	return &keypairSigner{pub: pk, priv: priv}, nil
}

func (s *keypairSigner) PublicKey() ledger.PubKey { return s.pub }

func (s *keypairSigner) Sign(_ context.Context, message []byte) (ledger.Signature, error) {
	return ledger.Sign(s.priv, message), nil
}

func main() {
	ctx := context.Background()

	payerSigner, err := newKeypairSigner()
	if err != nil {
		log.Fatalf("generate payer key: %v", err)
	}
	merchantSigner, err := newKeypairSigner()
	if err != nil {
		log.Fatalf("generate merchant key: %v", err)
	}
	verifierPub, verifierPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatalf("generate verifier key: %v", err)
	}
	var verifierPubKey ledger.PubKey
	copy(verifierPubKey[:], verifierPub)
	mintPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatalf("generate mint key: %v", err)
	}
	var mint ledger.PubKey
	copy(mint[:], mintPub)

	merchantStore := bundle.NewMemoryStore()
	payerEngine := bundle.NewEngine(bundle.NewMemoryStore(), payerSigner, nil)
	merchantEngine := bundle.NewEngine(merchantStore, merchantSigner, nil)

	created, err := payerEngine.CreateBundle(ctx, merchantSigner.PublicKey(), mint, 1_000, "USDC", "devicesim-bundle-1")
	if err != nil {
		log.Fatalf("create bundle: %v", err)
	}
	fmt.Printf("payer signed bundle %s for %d USDC\n", created.TxID, created.Token.Amount)

	cosigned, err := merchantEngine.Cosign(ctx, *created)
	if err != nil {
		log.Fatalf("cosign bundle: %v", err)
	}
	fmt.Printf("merchant co-signed bundle %s\n", cosigned.TxID)

	payerEnvelope := attestation.Envelope{
		BundleID:     cosigned.TxID,
		Timestamp:    time.Now().UnixMilli(),
		DeviceID:     "devicesim-payer",
		DevicePubKey: payerSigner.PublicKey(),
		DeviceInfo:   attestation.DeviceInfo{Model: "devicesim", OSVersion: "0", SecurityLevel: attestation.SecuritySoftware},
	}
	if err := merchantEngine.AttachAttestation(cosigned.TxID, ledger.RolePayer, payerEnvelope); err != nil {
		log.Fatalf("attach payer attestation: %v", err)
	}
	merchantEnvelope := attestation.Envelope{
		BundleID:     cosigned.TxID,
		Timestamp:    time.Now().UnixMilli(),
		DeviceID:     "devicesim-merchant",
		DevicePubKey: merchantSigner.PublicKey(),
		DeviceInfo:   attestation.DeviceInfo{Model: "devicesim", OSVersion: "0", SecurityLevel: attestation.SecuritySoftware},
	}
	if err := merchantEngine.AttachAttestation(cosigned.TxID, ledger.RoleMerchant, merchantEnvelope); err != nil {
		log.Fatalf("attach merchant attestation: %v", err)
	}
	if err := merchantEngine.EnqueueForSettlement(cosigned.TxID); err != nil {
		log.Fatalf("enqueue for settlement: %v", err)
	}

	attestationSvc := attestation.NewService(attestation.Config{AllowDevAttestation: true}, verifierPriv, nil, attestation.NewMemoryCache())

	store := escrow.NewMemoryStore()
	program := escrow.NewProgram(store, verifierPubKey, memoryTransferer{}, escrow.NewEventBus(16), func() int64 { return time.Now().UnixMilli() })
	if _, err := program.InitializeEscrow(payerSigner.PublicKey(), merchantSigner.PublicKey(), 10_000); err != nil {
		log.Fatalf("initialize escrow: %v", err)
	}
	if err := program.InitializeNonceRegistry(payerSigner.PublicKey()); err != nil {
		log.Fatalf("initialize nonce registry: %v", err)
	}

	worker := bundle.NewWorker(merchantEngine, attestationSvc, bundle.LocalSettlementClient{Program: program}, nil)

	settleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	go func() {
		for {
			rec, err := merchantStore.Get(cosigned.TxID)
			if err == nil && rec.State == bundle.StateSettled {
				cancel()
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	_ = worker.Run(settleCtx)
	cancel()

	final, err := merchantStore.Get(cosigned.TxID)
	if err != nil {
		log.Fatalf("read final bundle state: %v", err)
	}
	fmt.Printf("bundle %s final state=%s ledger_signature=%s\n", final.Bundle.TxID, final.State, final.LedgerSignature)
}
