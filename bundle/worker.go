package bundle

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/meridianpay/offline-settle/attestation"
	"github.com/meridianpay/offline-settle/escrow"
	"github.com/meridianpay/offline-settle/xerrors"
)

// AttestationClient is the settlement worker's view of the Attestation
// Service. It is satisfied both by an in-process *attestation.Service
// and by an HTTP client talking to a remote /verify-attestation
// endpoint, so the worker never depends on how connectivity is actually
// regained.
type AttestationClient interface {
	VerifyAttestation(ctx context.Context, req attestation.VerifyRequest) (*attestation.VerifyResult, error)
}

// SettlementClient is the worker's view of the Escrow Program, likewise
// satisfied by an in-process *escrow.Program or a remote RPC client.
type SettlementClient interface {
	SettleOfflinePayment(ctx context.Context, req escrow.SettleRequest) (*escrow.SettleResult, error)
}

// LocalSettlementClient adapts an in-process *escrow.Program, whose
// instructions execute synchronously against local state, to the
// context-carrying SettlementClient shape a remote RPC client would
// also satisfy.
type LocalSettlementClient struct {
	Program *escrow.Program
}

func (c LocalSettlementClient) SettleOfflinePayment(ctx context.Context, req escrow.SettleRequest) (*escrow.SettleResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return c.Program.SettleOfflinePayment(req)
}

// PollInterval is how often the worker checks for newly-ready QUEUED
// entries when none are currently due.
const PollInterval = 2 * time.Second

// Worker drains QUEUED bundles in TakeNextReady's order and drives them through attestation
// verification and on-ledger settlement whenever connectivity is
// present. Exactly one Worker should run per Engine — the engine itself
// is single-writer, and TakeNextReady's BROADCAST transition is this
// worker's only concurrency guard against double-submission.
type Worker struct {
	engine      *Engine
	attestation AttestationClient
	settlement  SettlementClient
	connected   func() bool
	retryBudget int
	sleep       func(time.Duration)
}

// NewWorker constructs a settlement Worker. connected reports current
// connectivity; a nil connected always reports true.
func NewWorker(engine *Engine, att AttestationClient, settle SettlementClient, connected func() bool) *Worker {
	if connected == nil {
		connected = func() bool { return true }
	}
	return &Worker{
		engine:      engine,
		attestation: att,
		settlement:  settle,
		connected:   connected,
		retryBudget: DefaultRetryBudget,
		sleep:       time.Sleep,
	}
}

// Run blocks, draining ready bundles until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !w.connected() {
			w.sleep(PollInterval)
			continue
		}

		rec, ok, err := w.engine.TakeNextReady()
		if err != nil {
			return err
		}
		if !ok {
			w.sleep(PollInterval)
			continue
		}

		w.settleOne(ctx, rec)
	}
}

// settleOne drives a single BROADCAST record through attestation and
// settlement, applying the terminal or retry transition the outcome
// implies.
func (w *Worker) settleOne(ctx context.Context, rec *Record) {
	bundleID := rec.Bundle.TxID

	if rec.PayerEnvelope == nil {
		_ = w.engine.MarkFailed(bundleID, xerrors.New(xerrors.KindMissingAttestation, "no payer envelope attached"), 0, w.retryBudget)
		return
	}

	verifyReq := attestation.VerifyRequest{
		BundleID:         bundleID,
		Payer:            rec.Bundle.PayerPubKey,
		Merchant:         rec.Bundle.MerchantPubKey,
		Amount:           rec.Bundle.Token.Amount,
		BundleNonce:      rec.Bundle.Nonce,
		PayerEnvelope:    *rec.PayerEnvelope,
		MerchantEnvelope: rec.MerchantEnvelope,
	}

	verifyResult, err := w.attestation.VerifyAttestation(ctx, verifyReq)
	if err != nil {
		w.fail(bundleID, rec, err)
		return
	}
	if verifyResult.PayerProof == nil {
		w.fail(bundleID, rec, xerrors.New(xerrors.KindInvalidAttestation, "attestation service returned no payer proof"))
		return
	}

	settleReq := escrow.SettleRequest{
		BundleID:          bundleID,
		Amount:            rec.Bundle.Token.Amount,
		PayerNonce:        rec.Bundle.Nonce,
		PayerPubKey:       rec.Bundle.PayerPubKey,
		MerchantPubKey:    rec.Bundle.MerchantPubKey,
		Mint:              rec.Bundle.Token.Mint,
		BundleTimestamp:   rec.Bundle.Timestamp,
		MerchantTokenAcct: rec.Bundle.MerchantPubKey,
		PayerProof:        *verifyResult.PayerProof,
		MerchantProof:     verifyResult.MerchantProof,
	}

	hash, err := rec.Bundle.Hash()
	if err != nil {
		w.fail(bundleID, rec, xerrors.Wrap(xerrors.KindStorageCorrupt, "compute bundle hash before settlement", bundleID, err))
		return
	}

	if _, err := w.settlement.SettleOfflinePayment(ctx, settleReq); err != nil {
		w.fail(bundleID, rec, err)
		return
	}

	_ = w.engine.MarkSettled(bundleID, hex.EncodeToString(hash.Bytes()))
}

func (w *Worker) fail(bundleID string, rec *Record, err error) {
	backoff := NextBackoff(rec.RetryCount)
	_ = w.engine.MarkFailed(bundleID, err, backoff, w.retryBudget)
}
