package bundle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianpay/offline-settle/attestation"
	"github.com/meridianpay/offline-settle/escrow"
	"github.com/meridianpay/offline-settle/ledger"
	"github.com/meridianpay/offline-settle/xerrors"
)

type fakeAttestationClient struct {
	result *attestation.VerifyResult
	err    error
	calls  int
}

func (f *fakeAttestationClient) VerifyAttestation(_ context.Context, _ attestation.VerifyRequest) (*attestation.VerifyResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeSettlementClient struct {
	result *escrow.SettleResult
	err    error
	calls  int
}

func (f *fakeSettlementClient) SettleOfflinePayment(_ context.Context, _ escrow.SettleRequest) (*escrow.SettleResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func readyQueuedBundle(t *testing.T) (*Engine, string) {
	t.Helper()
	payerSigner := newKeypairSigner(t)
	merchantSigner := newKeypairSigner(t)
	mint := mintPubKey(t)

	payerEngine := NewEngine(NewMemoryStore(), payerSigner, nil)
	bundle, err := payerEngine.CreateBundle(context.Background(), merchantSigner.PublicKey(), mint, 1000, "USDC", "tx-worker-1")
	require.NoError(t, err)

	engine := NewEngine(NewMemoryStore(), merchantSigner, nil)
	cosignedRecord(t, engine, *bundle)
	require.NoError(t, engine.AttachAttestation("tx-worker-1", ledger.RolePayer, attestation.Envelope{BundleID: "tx-worker-1"}))
	require.NoError(t, engine.AttachAttestation("tx-worker-1", ledger.RoleMerchant, attestation.Envelope{BundleID: "tx-worker-1"}))
	require.NoError(t, engine.EnqueueForSettlement("tx-worker-1"))
	return engine, "tx-worker-1"
}

func TestWorker_SettleOne_HappyPathMarksSettled(t *testing.T) {
	engine, bundleID := readyQueuedBundle(t)

	att := &fakeAttestationClient{result: &attestation.VerifyResult{
		Valid:      true,
		PayerProof: &ledger.AttestationProof{},
	}}
	settle := &fakeSettlementClient{result: &escrow.SettleResult{}}

	w := NewWorker(engine, att, settle, nil)
	w.sleep = func(time.Duration) {}

	rec, ok, err := engine.TakeNextReady()
	require.NoError(t, err)
	require.True(t, ok)

	w.settleOne(context.Background(), rec)

	final, err := engine.store.Get(bundleID)
	require.NoError(t, err)
	require.Equal(t, StateSettled, final.State)
	require.Equal(t, 1, att.calls)
	require.Equal(t, 1, settle.calls)
}

func TestWorker_SettleOne_AttestationFailureRetriesTransiently(t *testing.T) {
	engine, bundleID := readyQueuedBundle(t)

	att := &fakeAttestationClient{err: xerrors.New(xerrors.KindUpstreamUnavailable, "verifier unreachable")}
	settle := &fakeSettlementClient{}

	w := NewWorker(engine, att, settle, nil)

	rec, ok, err := engine.TakeNextReady()
	require.NoError(t, err)
	require.True(t, ok)

	w.settleOne(context.Background(), rec)

	final, err := engine.store.Get(bundleID)
	require.NoError(t, err)
	require.Equal(t, StateQueued, final.State)
	require.Equal(t, 0, settle.calls)
}

func TestWorker_SettleOne_SettlementFailurePermanentMarksFailed(t *testing.T) {
	engine, bundleID := readyQueuedBundle(t)

	att := &fakeAttestationClient{result: &attestation.VerifyResult{
		Valid:      true,
		PayerProof: &ledger.AttestationProof{},
	}}
	settle := &fakeSettlementClient{err: xerrors.New(xerrors.KindInsufficientFunds, "escrow balance too low")}

	w := NewWorker(engine, att, settle, nil)

	rec, ok, err := engine.TakeNextReady()
	require.NoError(t, err)
	require.True(t, ok)

	w.settleOne(context.Background(), rec)

	final, err := engine.store.Get(bundleID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, final.State)
	require.Equal(t, FailurePermanent, final.FailureClass)
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	engine := NewEngine(NewMemoryStore(), newKeypairSigner(t), nil)
	att := &fakeAttestationClient{}
	settle := &fakeSettlementClient{}
	w := NewWorker(engine, att, settle, nil)
	w.sleep = func(time.Duration) {}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
