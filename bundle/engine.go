package bundle

import (
	"context"
	"sync"
	"time"

	"github.com/meridianpay/offline-settle/attestation"
	"github.com/meridianpay/offline-settle/ledger"
	"github.com/meridianpay/offline-settle/xerrors"
)

// Signer is the narrow capability the engine is given instead of a raw
// private key: the signing key is exclusively owned by the secure
// element and reached only through this sign(message) capability.
type Signer interface {
	PublicKey() ledger.PubKey
	Sign(ctx context.Context, message []byte) (ledger.Signature, error)
}

// Clock is injectable so tests can control the device clock's
// monotonicity relative to the last bundle without sleeping.
type Clock func() time.Time

// Engine is the Bundle Engine: single-threaded cooperative per device.
type Engine struct {
	mu        sync.Mutex
	store     Store
	signer    Signer
	clock     Clock
	lastNonce uint64
	lastMsAt  int64
}

// NewEngine constructs an Engine backed by store, signing with signer.
func NewEngine(store Store, signer Signer, clock Clock) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{store: store, signer: signer, clock: clock}
}

// CreateBundle constructs and payer-signs a new bundle.
// Preconditions: an unlocked signer, amount > 0, device clock monotonic
// w.r.t. the last bundle. Assigns nonce := last_nonce + 1.
func (e *Engine) CreateBundle(ctx context.Context, merchant ledger.PubKey, mint ledger.PubKey, amount uint64, symbol, txID string) (*OfflineBundle, error) {
	if e.signer == nil {
		return nil, xerrors.New(xerrors.KindSignerUnavailable, "no signer configured")
	}
	if amount == 0 {
		return nil, xerrors.New(xerrors.KindInvalidAmount, "amount must be greater than zero")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	nowMs := e.clock().UnixMilli()
	if nowMs < e.lastMsAt {
		return nil, xerrors.New(xerrors.KindClockSkew, "device clock went backwards since last bundle")
	}

	nextNonce := e.lastNonce + 1
	if nextNonce == 0 { // wrapped around
		return nil, xerrors.New(xerrors.KindNonceExhausted, "payer nonce space exhausted")
	}

	b := OfflineBundle{
		TxID:           txID,
		PayerPubKey:    e.signer.PublicKey(),
		MerchantPubKey: merchant,
		Token:          Token{Mint: mint, Amount: amount, Symbol: symbol},
		Nonce:          nextNonce,
		Timestamp:      nowMs,
	}

	hash, err := b.Hash()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindStorageCorrupt, "compute bundle hash", "", err)
	}
	sig, err := e.signer.Sign(ctx, hash.Bytes())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindSignerUnavailable, "payer signing failed", "", err)
	}
	b.PayerSignature = sig

	e.lastNonce = nextNonce
	e.lastMsAt = nowMs

	return &b, nil
}

// Cosign adds the merchant's signature to an already payer-signed
// bundle, run on the merchant's device.
// Preconditions: the merchant key matches the local public key, the
// payer signature verifies, and the bundle hash has not been seen before
// on this device. Persists the bundle in PENDING on success.
func (e *Engine) Cosign(ctx context.Context, b OfflineBundle) (*OfflineBundle, error) {
	if e.signer == nil {
		return nil, xerrors.New(xerrors.KindSignerUnavailable, "no signer configured")
	}
	if b.MerchantPubKey != e.signer.PublicKey() {
		return nil, xerrors.New(xerrors.KindWrongMerchant, "bundle merchant key does not match local signer")
	}

	hash, err := b.Hash()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindStorageCorrupt, "compute bundle hash", "", err)
	}
	if !ledger.Verify(b.PayerPubKey, hash.Bytes(), b.PayerSignature) {
		return nil, xerrors.New(xerrors.KindInvalidPayerSignature, "payer signature does not verify")
	}

	if _, err := e.store.Get(b.TxID); err == nil {
		return nil, xerrors.New(xerrors.KindDuplicateBundle, "bundle hash already seen on this device")
	}

	sig, err := e.signer.Sign(ctx, hash.Bytes())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindSignerUnavailable, "merchant signing failed", "", err)
	}
	b.MerchantSignature = sig

	rec := &Record{
		SchemaVersion: CurrentSchemaVersion,
		Bundle:        b,
		State:         StatePending,
	}
	if err := e.store.Put(rec); err != nil {
		return nil, err
	}
	return &b, nil
}

// AttachAttestation moves a bundle to ATTESTED once both required
// envelopes for the device's role requirements are present. Envelopes
// are persisted unmodified so they survive restarts.
func (e *Engine) AttachAttestation(bundleID string, role ledger.Role, env attestation.Envelope) error {
	rec, err := e.store.Get(bundleID)
	if err != nil {
		return err
	}
	if rec.State != StatePending && rec.State != StateAttested {
		return xerrors.New(xerrors.KindStorageCorrupt, "attestation attached outside PENDING/ATTESTED state")
	}

	switch role {
	case ledger.RolePayer:
		rec.PayerEnvelope = &env
	case ledger.RoleMerchant:
		rec.MerchantEnvelope = &env
	}

	if rec.PayerEnvelope != nil && rec.MerchantEnvelope != nil {
		rec.State = StateAttested
	}
	return e.store.Put(rec)
}

// EnqueueForSettlement moves a bundle to QUEUED. Idempotent: calling it
// twice on the same bundle is a no-op after the first.
func (e *Engine) EnqueueForSettlement(bundleID string) error {
	rec, err := e.store.Get(bundleID)
	if err != nil {
		return err
	}
	if rec.State == StateQueued {
		return nil
	}
	if !CanTransition(rec.State, StateQueued) {
		return xerrors.New(xerrors.KindStorageCorrupt, "illegal transition to QUEUED from "+string(rec.State))
	}
	rec.State = StateQueued
	return e.store.Put(rec)
}

// TakeNextReady pulls one QUEUED entry whose backoff window has elapsed,
// choosing the one with the earliest NextAttemptAt, marks it BROADCAST,
// and guarantees at-most-one concurrent settlement attempt per bundle by
// holding the engine mutex and persisting the BROADCAST state before
// returning. No enqueue time is recorded, so entries with equal
// NextAttemptAt (such as bundles never retried) come out in no defined
// order.
func (e *Engine) TakeNextReady() (*Record, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	records, err := e.store.List()
	if err != nil {
		return nil, false, err
	}

	var earliest *Record
	for _, rec := range records {
		if rec.State != StateQueued {
			continue
		}
		if rec.NextAttemptAt.After(time.Now()) {
			continue // backoff window not elapsed
		}
		if earliest == nil || rec.NextAttemptAt.Before(earliest.NextAttemptAt) {
			earliest = rec
		}
	}
	if earliest == nil {
		return nil, false, nil
	}

	earliest.State = StateBroadcast
	if err := e.store.Put(earliest); err != nil {
		return nil, false, err
	}
	return earliest, true, nil
}

// MarkSettled is the terminal success transition, recording the ledger
// signature.
func (e *Engine) MarkSettled(bundleID string, ledgerSignature string) error {
	rec, err := e.store.Get(bundleID)
	if err != nil {
		return err
	}
	if !CanTransition(rec.State, StateSettled) {
		return xerrors.New(xerrors.KindStorageCorrupt, "illegal transition to SETTLED from "+string(rec.State))
	}
	rec.State = StateSettled
	rec.LedgerSignature = ledgerSignature
	return e.store.Put(rec)
}

// MarkFailed records a failure. Transient failures are retried by
// re-promoting to QUEUED after retryAfter elapses, up to the retry
// budget; permanent failures terminate in FAILED.
func (e *Engine) MarkFailed(bundleID string, failErr error, retryAfter time.Duration, retryBudget int) error {
	rec, err := e.store.Get(bundleID)
	if err != nil {
		return err
	}
	if !CanTransition(rec.State, StateFailed) {
		return xerrors.New(xerrors.KindStorageCorrupt, "illegal transition to FAILED from "+string(rec.State))
	}

	class := FailurePermanent
	if xerrors.IsTransient(failErr) {
		class = FailureTransient
	}

	rec.FailureReason = failErr.Error()
	rec.FailureClass = class
	rec.RetryCount++

	if class == FailureTransient && rec.RetryCount <= retryBudget {
		rec.State = StateQueued
		rec.NextAttemptAt = time.Now().Add(retryAfter)
	} else {
		rec.State = StateFailed
	}
	return e.store.Put(rec)
}

// MarkRollback resolves a conflicting duplicate detected before
// settlement — terminal.
func (e *Engine) MarkRollback(bundleID string) error {
	rec, err := e.store.Get(bundleID)
	if err != nil {
		return err
	}
	if !CanTransition(rec.State, StateRollback) {
		return xerrors.New(xerrors.KindStorageCorrupt, "illegal transition to ROLLBACK from "+string(rec.State))
	}
	rec.State = StateRollback
	return e.store.Put(rec)
}

// Cancel honours user-initiated cancellation only before BROADCAST;
// after that, cancellation is deferred until the transaction resolves
// because the ledger side cannot be cancelled.
func (e *Engine) Cancel(bundleID string) error {
	rec, err := e.store.Get(bundleID)
	if err != nil {
		return err
	}
	if rec.State == StateBroadcast || IsTerminal(rec.State) {
		return xerrors.New(xerrors.KindStorageCorrupt, "cancellation deferred: bundle already broadcast or terminal")
	}
	return e.store.Delete(bundleID)
}
