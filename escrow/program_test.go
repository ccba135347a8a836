package escrow

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridianpay/offline-settle/ledger"
	"github.com/meridianpay/offline-settle/xerrors"
)

// fakeTransferer records transfers instead of touching a real token
// program.
type fakeTransferer struct {
	calls int
}

func (f *fakeTransferer) Transfer(from, to ledger.PubKey, amount uint64) error {
	f.calls++
	return nil
}

func newTestProgram(t *testing.T, clock *int64) (*Program, ledger.PubKey, ed25519.PrivateKey) {
	t.Helper()
	verifierPub, verifierPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var vk ledger.PubKey
	copy(vk[:], verifierPub)

	store := NewMemoryStore()
	prog := NewProgram(store, vk, &fakeTransferer{}, NewEventBus(16), func() int64 { return *clock })
	return prog, vk, verifierPriv
}

func randPubKey(t *testing.T) ledger.PubKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var out ledger.PubKey
	copy(out[:], pub)
	return out
}

func signedProof(t *testing.T, verifierPriv ed25519.PrivateKey, in ledger.AttestationRootInput) ledger.AttestationProof {
	t.Helper()
	root, err := ledger.CanonicalAttestationRoot(in)
	require.NoError(t, err)
	return ledger.AttestationProof{
		Root:      root,
		Nonce:     in.AttestationNonce,
		Timestamp: in.AttestationTimestamp,
		Signature: ledger.Sign(verifierPriv, root.Bytes()),
	}
}

// setupFundedEscrow initializes escrow + nonce registry for payer with
// the given balance, mirroring scenario 1's starting state.
func setupFundedEscrow(t *testing.T, prog *Program, payer ledger.PubKey, balance uint64) {
	t.Helper()
	_, err := prog.InitializeEscrow(payer, randPubKey(t), balance)
	require.NoError(t, err)
	require.NoError(t, prog.InitializeNonceRegistry(payer))
}

func baseSettleRequest(t *testing.T, verifierPriv ed25519.PrivateKey, payer, merchant, mint ledger.PubKey, amount, nonce uint64, bundleID string, ts int64) SettleRequest {
	var attestNonce [32]byte
	copy(attestNonce[:], []byte("attestation-nonce-fixture-000001"))

	payerProof := signedProof(t, verifierPriv, ledger.AttestationRootInput{
		BundleID:             bundleID,
		Payer:                payer,
		Merchant:             merchant,
		Amount:               amount,
		BundleNonce:          nonce,
		Role:                 ledger.RolePayer,
		AttestationNonce:     attestNonce,
		AttestationTimestamp: ts,
	})

	return SettleRequest{
		BundleID:          bundleID,
		Amount:            amount,
		PayerNonce:        nonce,
		PayerPubKey:       payer,
		MerchantPubKey:    merchant,
		Mint:              mint,
		BundleTimestamp:   ts,
		MerchantTokenAcct: randPubKey(t),
		PayerProof:        payerProof,
	}
}

func TestSettleOfflinePayment_HappyPath(t *testing.T) {
	clock := int64(1_700_000_000)
	prog, _, verifierPriv := newTestProgram(t, &clock)

	payer := randPubKey(t)
	merchant := randPubKey(t)
	mint := randPubKey(t)

	setupFundedEscrow(t, prog, payer, 100_000_000)

	req := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 25_000_000, 1, "bundle-scenario-1", clock)

	result, err := prog.SettleOfflinePayment(req)
	require.NoError(t, err)
	require.Equal(t, uint64(75_000_000), result.Escrow.EscrowBalance)
	require.Equal(t, uint64(25_000_000), result.Escrow.TotalSpent)
	require.Equal(t, uint64(1), result.Escrow.LastNonce)
	require.Equal(t, 1, result.Registry.BundleHistory.Len())
}

func TestSettleOfflinePayment_ReplayIsRejected(t *testing.T) {
	clock := int64(1_700_000_000)
	prog, _, verifierPriv := newTestProgram(t, &clock)

	payer := randPubKey(t)
	merchant := randPubKey(t)
	mint := randPubKey(t)
	setupFundedEscrow(t, prog, payer, 100_000_000)

	req := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 25_000_000, 1, "bundle-scenario-1", clock)
	_, err := prog.SettleOfflinePayment(req)
	require.NoError(t, err)

	before, err := prog.store.GetEscrow(payer)
	require.NoError(t, err)

	_, err = prog.SettleOfflinePayment(req)
	require.Error(t, err)
	var xe *xerrors.Error
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindDuplicateBundle, xe.Kind) // hash already in recent_bundle_hashes, caught before the nonce check

	after, err := prog.store.GetEscrow(payer)
	require.NoError(t, err)
	require.Equal(t, before.EscrowBalance, after.EscrowBalance)
}

func TestSettleOfflinePayment_OutOfOrderNonceRejected(t *testing.T) {
	clock := int64(1_700_000_000)
	prog, _, verifierPriv := newTestProgram(t, &clock)

	payer := randPubKey(t)
	merchant := randPubKey(t)
	mint := randPubKey(t)
	setupFundedEscrow(t, prog, payer, 100_000_000)

	first := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 25_000_000, 1, "bundle-scenario-1", clock)
	_, err := prog.SettleOfflinePayment(first)
	require.NoError(t, err)

	second := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 10_000_000, 1, "bundle-scenario-3", clock+1)
	_, err = prog.SettleOfflinePayment(second)
	require.Error(t, err)
	var xe *xerrors.Error
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindInvalidNonce, xe.Kind)
}

func TestSettleOfflinePayment_DuplicateHashAcrossNoncesRejected(t *testing.T) {
	// Simulate scenario 4 by injection: craft a settle request whose
	// nonce is fresh but whose bundle hash collides with an
	// already-settled one (impossible honestly, simulated here).
	clock := int64(1_700_000_000)
	prog, _, verifierPriv := newTestProgram(t, &clock)

	payer := randPubKey(t)
	merchant := randPubKey(t)
	mint := randPubKey(t)
	setupFundedEscrow(t, prog, payer, 100_000_000)

	first := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 25_000_000, 1, "bundle-scenario-1", clock)
	_, err := prog.SettleOfflinePayment(first)
	require.NoError(t, err)

	// The program recomputes the bundle hash from the request fields, and
	// the nonce is one of them, so a nonce-2 request can never hash like
	// request 1. Inject the collision instead: push the nonce-2 request's
	// own hash into recent_bundle_hashes, as if an earlier bundle had
	// settled with it. The nonce check alone would accept this request.
	second := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 25_000_000, 2, "bundle-scenario-1", clock)
	injectedHash, err := ledger.CanonicalBundleHash(ledger.BundleHashInput{
		PayerPubKey:    second.PayerPubKey,
		MerchantPubKey: second.MerchantPubKey,
		Mint:           second.Mint,
		Amount:         second.Amount,
		Nonce:          second.PayerNonce,
		Timestamp:      second.BundleTimestamp,
		TxID:           second.BundleID,
	})
	require.NoError(t, err)

	reg, err := prog.store.GetNonceRegistry(payer)
	require.NoError(t, err)
	reg.RecentBundleHashes.Push(injectedHash)
	require.NoError(t, prog.store.PutNonceRegistry(reg))

	_, err = prog.SettleOfflinePayment(second)
	require.Error(t, err)
	var xe *xerrors.Error
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindDuplicateBundle, xe.Kind)
}

func TestSettleOfflinePayment_TamperedAttestationSignatureRejected(t *testing.T) {
	clock := int64(1_700_000_000)
	prog, _, verifierPriv := newTestProgram(t, &clock)

	payer := randPubKey(t)
	merchant := randPubKey(t)
	mint := randPubKey(t)
	setupFundedEscrow(t, prog, payer, 100_000_000)

	req := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 25_000_000, 1, "bundle-scenario-5", clock)
	req.PayerProof.Signature[0] ^= 0xFF // flip one byte

	_, err := prog.SettleOfflinePayment(req)
	require.Error(t, err)
	var xe *xerrors.Error
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindInvalidAttestation, xe.Kind)
}

func TestSettleOfflinePayment_InsufficientFundsRejected(t *testing.T) {
	clock := int64(1_700_000_000)
	prog, _, verifierPriv := newTestProgram(t, &clock)

	payer := randPubKey(t)
	merchant := randPubKey(t)
	mint := randPubKey(t)
	setupFundedEscrow(t, prog, payer, 10_000_000)

	req := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 11_000_000, 1, "bundle-scenario-6", clock)
	_, err := prog.SettleOfflinePayment(req)
	require.Error(t, err)
	var xe *xerrors.Error
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindInsufficientFunds, xe.Kind)

	after, err := prog.store.GetEscrow(payer)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), after.EscrowBalance)
	require.Equal(t, uint64(0), after.LastNonce)
}

func TestSettleOfflinePayment_BundleIDBoundaries(t *testing.T) {
	clock := int64(1_700_000_000)
	prog, _, verifierPriv := newTestProgram(t, &clock)

	payer := randPubKey(t)
	merchant := randPubKey(t)
	mint := randPubKey(t)
	setupFundedEscrow(t, prog, payer, 100_000_000)

	tooLong := make([]byte, 129)
	for i := range tooLong {
		tooLong[i] = 'a'
	}
	req := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 1, 1, string(tooLong), clock)
	_, err := prog.SettleOfflinePayment(req)
	require.Error(t, err)
	var xe *xerrors.Error
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindInvalidBundleID, xe.Kind)

	req2 := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 1, 1, "", clock)
	_, err = prog.SettleOfflinePayment(req2)
	require.Error(t, err)
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindInvalidBundleID, xe.Kind)
}

func TestSettleOfflinePayment_AttestationAgeBoundary(t *testing.T) {
	clock := int64(1_700_000_000)
	prog, _, verifierPriv := newTestProgram(t, &clock)

	payer := randPubKey(t)
	merchant := randPubKey(t)
	mint := randPubKey(t)
	setupFundedEscrow(t, prog, payer, 100_000_000)

	// One millisecond inside the 24h boundary (24h-1ms old) accepts.
	withinBound := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 1, 1, "bundle-age-ok", clock)
	withinBound.PayerProof.Timestamp = clock - (MaxAttestationAge - 1)
	// Root/signature must match the timestamp actually carried by the proof.
	root, err := ledger.CanonicalAttestationRoot(ledger.AttestationRootInput{
		BundleID: withinBound.BundleID, Payer: payer, Merchant: merchant, Amount: withinBound.Amount,
		BundleNonce: withinBound.PayerNonce, Role: ledger.RolePayer,
		AttestationNonce: withinBound.PayerProof.Nonce, AttestationTimestamp: withinBound.PayerProof.Timestamp,
	})
	require.NoError(t, err)
	withinBound.PayerProof.Root = root
	withinBound.PayerProof.Signature = ledger.Sign(verifierPriv, root.Bytes())

	_, err = prog.SettleOfflinePayment(withinBound)
	require.NoError(t, err)

	// Past the boundary rejects.
	tooOld := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 1, 2, "bundle-age-bad", clock)
	tooOld.PayerProof.Timestamp = clock - (MaxAttestationAge + 1)
	root2, err := ledger.CanonicalAttestationRoot(ledger.AttestationRootInput{
		BundleID: tooOld.BundleID, Payer: payer, Merchant: merchant, Amount: tooOld.Amount,
		BundleNonce: tooOld.PayerNonce, Role: ledger.RolePayer,
		AttestationNonce: tooOld.PayerProof.Nonce, AttestationTimestamp: tooOld.PayerProof.Timestamp,
	})
	require.NoError(t, err)
	tooOld.PayerProof.Root = root2
	tooOld.PayerProof.Signature = ledger.Sign(verifierPriv, root2.Bytes())

	_, err = prog.SettleOfflinePayment(tooOld)
	require.Error(t, err)
	var xe *xerrors.Error
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindInvalidAttestation, xe.Kind)
}

func TestReportFraudulentBundle_RejectsSelfContradiction(t *testing.T) {
	clock := int64(1_700_000_000)
	prog, _, verifierPriv := newTestProgram(t, &clock)

	payer := randPubKey(t)
	merchant := randPubKey(t)
	mint := randPubKey(t)
	setupFundedEscrow(t, prog, payer, 100_000_000)

	req := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 25_000_000, 1, "bundle-fraud-1", clock)
	result, err := prog.SettleOfflinePayment(req)
	require.NoError(t, err)
	settledHash := result.Registry.BundleHistory.Entries()[0].BundleHash

	err = prog.ReportFraudulentBundle(payer, settledHash, settledHash, randPubKey(t), FraudDuplicateBundle)
	require.Error(t, err)
	var xe *xerrors.Error
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindFraudHashMatches, xe.Kind)
}

func TestMigrateLegacyAccount_RequiresExplicitCall(t *testing.T) {
	clock := int64(1_700_000_000)
	prog, _, _ := newTestProgram(t, &clock)
	payer := randPubKey(t)
	setupFundedEscrow(t, prog, payer, 0)

	acct, err := prog.store.GetEscrow(payer)
	require.NoError(t, err)
	require.False(t, acct.Legacy)

	acct.Legacy = true
	require.NoError(t, prog.store.PutEscrow(acct))

	migrated, err := prog.MigrateLegacyAccount(payer)
	require.NoError(t, err)
	require.False(t, migrated.Legacy)
}

func TestSettleOfflinePayment_RejectsLegacyAccount(t *testing.T) {
	clock := int64(1_700_000_000)
	prog, _, verifierPriv := newTestProgram(t, &clock)

	payer := randPubKey(t)
	merchant := randPubKey(t)
	mint := randPubKey(t)
	setupFundedEscrow(t, prog, payer, 100_000_000)

	acct, err := prog.store.GetEscrow(payer)
	require.NoError(t, err)
	acct.Legacy = true
	require.NoError(t, prog.store.PutEscrow(acct))

	req := baseSettleRequest(t, verifierPriv, payer, merchant, mint, 25_000_000, 1, "bundle-legacy-1", clock)
	_, err = prog.SettleOfflinePayment(req)
	require.Error(t, err)
	var xe *xerrors.Error
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindSchemaMismatch, xe.Kind)

	_, err = prog.MigrateLegacyAccount(payer)
	require.NoError(t, err)
	_, err = prog.SettleOfflinePayment(req)
	require.NoError(t, err)
}
