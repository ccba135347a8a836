package escrow

import (
	"github.com/meridianpay/offline-settle/ledger"
	"github.com/meridianpay/offline-settle/xerrors"
)

// TokenTransferer is the trusted token-transfer primitive the program
// calls to move funds during settlement. It is a narrow interface so the
// choice of token program/runtime stays outside this package, the same
// way the ledger runtime this program executes in is abstracted away.
type TokenTransferer interface {
	Transfer(from, to ledger.PubKey, amount uint64) error
}

// Program is the Escrow Program: the sole authority over escrow token
// accounts. Every instruction method below executes as a single atomic
// step from its caller's perspective.
type Program struct {
	store       Store
	verifierKey ledger.PubKey
	transfer    TokenTransferer
	bus         *EventBus
	now         func() int64 // injectable ledger clock, milliseconds since epoch (matches AttestationProof.Timestamp)
}

// NewProgram constructs a Program. verifierKey is the hard-coded
// Attestation Service public key every AttestationProof signature is
// checked against.
func NewProgram(store Store, verifierKey ledger.PubKey, transfer TokenTransferer, bus *EventBus, now func() int64) *Program {
	return &Program{store: store, verifierKey: verifierKey, transfer: transfer, bus: bus, now: now}
}

// InitializeNonceRegistry is instruction 1: creates an empty registry.
func (p *Program) InitializeNonceRegistry(owner ledger.PubKey) error {
	if _, err := p.store.GetNonceRegistry(owner); err == nil {
		return xerrors.New(xerrors.KindInvalidOwner, "nonce registry already exists")
	}
	return p.store.PutNonceRegistry(NewNonceRegistry(owner))
}

// InitializeEscrow is instruction 2: creates the escrow and escrow-token
// account, transferring initialAmount in from the owner. Fails if the
// escrow already exists.
func (p *Program) InitializeEscrow(owner, ownerTokenAccount ledger.PubKey, initialAmount uint64) (*EscrowAccount, error) {
	if _, err := p.store.GetEscrow(owner); err == nil {
		return nil, xerrors.New(xerrors.KindInvalidOwner, "escrow already exists")
	}

	escrowAddr, bump, err := DeriveEscrowAddress(owner)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidOwner, "derive escrow address", owner.String(), err)
	}

	if initialAmount > 0 {
		if err := p.transfer.Transfer(ownerTokenAccount, escrowAddr, initialAmount); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInsufficientFunds, "fund initial escrow", owner.String(), err)
		}
	}

	acct := &EscrowAccount{
		Owner:              owner,
		EscrowTokenAccount: escrowAddr,
		EscrowBalance:      initialAmount,
		CreatedAt:          p.now(),
		Bump:               bump,
	}
	if err := p.store.PutEscrow(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// FundEscrow is instruction 3: transfers additional tokens from owner
// into escrow.
func (p *Program) FundEscrow(owner, ownerTokenAccount ledger.PubKey, amount uint64) (*EscrowAccount, error) {
	acct, err := p.store.GetEscrow(owner)
	if err != nil {
		return nil, err
	}
	if err := p.transfer.Transfer(ownerTokenAccount, acct.EscrowTokenAccount, amount); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInsufficientFunds, "fund escrow", owner.String(), err)
	}
	newBalance, ok := checkedAdd(acct.EscrowBalance, amount)
	if !ok {
		return nil, xerrors.New(xerrors.KindOverflow, "escrow balance overflow")
	}
	acct.EscrowBalance = newBalance
	if err := p.store.PutEscrow(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// WithdrawEscrow is instruction 4: transfers tokens back to the owner.
// Fails if insufficient funds.
func (p *Program) WithdrawEscrow(owner, ownerTokenAccount ledger.PubKey, amount uint64) (*EscrowAccount, error) {
	acct, err := p.store.GetEscrow(owner)
	if err != nil {
		return nil, err
	}
	newBalance, ok := checkedSub(acct.EscrowBalance, amount)
	if !ok {
		return nil, xerrors.New(xerrors.KindInsufficientFunds, "withdraw exceeds escrow balance")
	}
	if err := p.transfer.Transfer(acct.EscrowTokenAccount, ownerTokenAccount, amount); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInsufficientFunds, "withdraw escrow", owner.String(), err)
	}
	acct.EscrowBalance = newBalance
	newWithdrawn, ok := checkedAdd(acct.TotalWithdrawn, amount)
	if !ok {
		return nil, xerrors.New(xerrors.KindOverflow, "total withdrawn overflow")
	}
	acct.TotalWithdrawn = newWithdrawn
	if err := p.store.PutEscrow(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// SettleRequest bundles the accounts and evidence settle_offline_payment
// consumes.
type SettleRequest struct {
	BundleID          string
	Amount            uint64
	PayerNonce        uint64
	PayerPubKey       ledger.PubKey
	MerchantPubKey    ledger.PubKey
	Mint              ledger.PubKey
	BundleTimestamp   int64
	MerchantTokenAcct ledger.PubKey

	PayerProof    ledger.AttestationProof
	MerchantProof *ledger.AttestationProof // optional; present only when the merchant also attested
}

// SettleResult is returned on success.
type SettleResult struct {
	Escrow   *EscrowAccount
	Registry *NonceRegistry
}

// SettleOfflinePayment is instruction 5, the critical path. Each check
// below returns a distinct failure code; a revert anywhere must not
// mutate any state (the caller is expected to discard this Program's
// in-memory copies on error, since Store.Put* is only called once all
// checks have passed).
func (p *Program) SettleOfflinePayment(req SettleRequest) (*SettleResult, error) {
	// 1. bundle_id length
	if len(req.BundleID) < 1 || len(req.BundleID) > 128 {
		return nil, xerrors.New(xerrors.KindInvalidBundleID, "bundle_id length out of range")
	}

	// 2. payer_proof timestamp within MAX_ATTESTATION_AGE of ledger time
	nowTs := p.now()
	age := nowTs - req.PayerProof.Timestamp
	if age < 0 {
		age = -age
	}
	if age > MaxAttestationAge {
		return nil, xerrors.New(xerrors.KindInvalidAttestation, "payer proof timestamp outside max attestation age")
	}

	// 3. recompute attestation_root, compare to payer_proof.root
	payerRoot, err := ledger.CanonicalAttestationRoot(ledger.AttestationRootInput{
		BundleID:             req.BundleID,
		Payer:                req.PayerPubKey,
		Merchant:             req.MerchantPubKey,
		Amount:               req.Amount,
		BundleNonce:          req.PayerNonce,
		Role:                 ledger.RolePayer,
		AttestationNonce:     req.PayerProof.Nonce,
		AttestationTimestamp: req.PayerProof.Timestamp,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidAttestation, "recompute payer attestation root", req.PayerPubKey.String(), err)
	}
	if payerRoot != req.PayerProof.Root {
		return nil, xerrors.New(xerrors.KindInvalidAttestation, "payer attestation root mismatch")
	}

	// 4. Ed25519-verify payer_proof.signature over payer_proof.root with
	// the hard-coded verifier public key. Same for merchant_proof if
	// present.
	if !ledger.Verify(p.verifierKey, payerRoot.Bytes(), req.PayerProof.Signature) {
		return nil, xerrors.New(xerrors.KindInvalidAttestation, "payer attestation proof signature invalid")
	}
	if req.MerchantProof != nil {
		merchantRoot, err := ledger.CanonicalAttestationRoot(ledger.AttestationRootInput{
			BundleID:             req.BundleID,
			Payer:                req.PayerPubKey,
			Merchant:             req.MerchantPubKey,
			Amount:               req.Amount,
			BundleNonce:          req.PayerNonce,
			Role:                 ledger.RoleMerchant,
			AttestationNonce:     req.MerchantProof.Nonce,
			AttestationTimestamp: req.MerchantProof.Timestamp,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInvalidAttestation, "recompute merchant attestation root", req.MerchantPubKey.String(), err)
		}
		if merchantRoot != req.MerchantProof.Root {
			return nil, xerrors.New(xerrors.KindInvalidAttestation, "merchant attestation root mismatch")
		}
		if !ledger.Verify(p.verifierKey, merchantRoot.Bytes(), req.MerchantProof.Signature) {
			return nil, xerrors.New(xerrors.KindInvalidAttestation, "merchant attestation proof signature invalid")
		}
	}

	escrow, err := p.store.GetEscrow(req.PayerPubKey)
	if err != nil {
		return nil, err
	}
	if escrow.Legacy {
		return nil, xerrors.New(xerrors.KindSchemaMismatch, "escrow account is on the legacy layout; call MigrateLegacyAccount first")
	}
	registry, err := p.store.GetNonceRegistry(req.PayerPubKey)
	if err != nil {
		return nil, err
	}

	// 5. recompute bundle_hash; must not appear in recent_bundle_hashes
	bundleHash, err := ledger.CanonicalBundleHash(ledger.BundleHashInput{
		PayerPubKey:    req.PayerPubKey,
		MerchantPubKey: req.MerchantPubKey,
		Mint:           req.Mint,
		Amount:         req.Amount,
		Nonce:          req.PayerNonce,
		Timestamp:      req.BundleTimestamp,
		TxID:           req.BundleID,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidBundleID, "recompute bundle hash", req.PayerPubKey.String(), err)
	}
	if registry.containsHash(bundleHash) {
		return nil, xerrors.New(xerrors.KindDuplicateBundle, "bundle hash already settled recently")
	}

	// 6. nonce strictly greater than both last_nonce fields
	if !(req.PayerNonce > registry.LastNonce && req.PayerNonce > escrow.LastNonce) {
		return nil, xerrors.New(xerrors.KindInvalidNonce, "payer nonce not strictly greater than last settled nonce")
	}

	// 7. amount bounds
	if req.Amount == 0 {
		return nil, xerrors.New(xerrors.KindInvalidAmount, "amount must be greater than zero")
	}
	if req.Amount > escrow.EscrowBalance {
		return nil, xerrors.New(xerrors.KindInsufficientFunds, "amount exceeds escrow balance")
	}

	// 8. transfer via the trusted token-transfer primitive
	if err := p.transfer.Transfer(escrow.EscrowTokenAccount, req.MerchantTokenAcct, req.Amount); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInsufficientFunds, "settlement transfer", req.PayerPubKey.String(), err)
	}

	// 9. state updates, all checked
	newBalance, ok := checkedSub(escrow.EscrowBalance, req.Amount)
	if !ok {
		return nil, xerrors.New(xerrors.KindUnderflow, "escrow balance underflow")
	}
	newSpent, ok := checkedAdd(escrow.TotalSpent, req.Amount)
	if !ok {
		return nil, xerrors.New(xerrors.KindOverflow, "total spent overflow")
	}
	escrow.EscrowBalance = newBalance
	escrow.TotalSpent = newSpent
	escrow.LastNonce = req.PayerNonce
	registry.LastNonce = req.PayerNonce
	registry.RecentBundleHashes.Push(bundleHash)
	registry.BundleHistory.Push(BundleHistoryEntry{
		BundleHash: bundleHash,
		Merchant:   req.MerchantPubKey,
		Amount:     req.Amount,
		SettledAt:  nowTs,
		Nonce:      req.PayerNonce,
	})

	if err := p.store.PutEscrow(escrow); err != nil {
		return nil, err
	}
	if err := p.store.PutNonceRegistry(registry); err != nil {
		return nil, err
	}

	// 10. emit events
	if p.bus != nil {
		p.bus.Publish(PaymentSettled{
			Payer:    req.PayerPubKey,
			Merchant: req.MerchantPubKey,
			Amount:   req.Amount,
			Nonce:    req.PayerNonce,
			BundleID: req.BundleID,
		})
		entries := registry.BundleHistory.Entries()
		p.bus.Publish(BundleHistoryRecorded{
			Owner: req.PayerPubKey,
			Entry: entries[len(entries)-1],
		})
	}

	return &SettleResult{Escrow: escrow, Registry: registry}, nil
}

// ReportFraudulentBundle is instruction 6: appends a fraud record.
// Reporting a bundle hash that already appears in settled bundle history
// as fraudulent is self-contradictory (the bundle settled cleanly, so it
// can't also be evidence of a conflict) and is rejected outright.
func (p *Program) ReportFraudulentBundle(owner ledger.PubKey, bundleHash, conflictingHash ledger.Hash32, reporter ledger.PubKey, reason FraudReason) error {
	registry, err := p.store.GetNonceRegistry(owner)
	if err != nil {
		return err
	}
	if registry.historyContains(bundleHash) {
		return xerrors.New(xerrors.KindFraudHashMatches, "reported bundle hash already appears in settled bundle history")
	}
	registry.FraudRecords.Push(FraudRecord{
		BundleHash:      bundleHash,
		ConflictingHash: conflictingHash,
		Reporter:        reporter,
		ReportedAt:      p.now(),
		Reason:          reason,
	})
	return p.store.PutNonceRegistry(registry)
}

// MigrateLegacyAccount is the explicit migration instruction: a legacy
// (shorter) account layout is never auto-migrated. An operator must
// invoke this to clear the Legacy flag once the account has been
// re-derived under the current layout.
func (p *Program) MigrateLegacyAccount(owner ledger.PubKey) (*EscrowAccount, error) {
	acct, err := p.store.GetEscrow(owner)
	if err != nil {
		return nil, err
	}
	if !acct.Legacy {
		return nil, xerrors.New(xerrors.KindSchemaMismatch, "account is not on the legacy layout")
	}
	acct.Legacy = false
	if err := p.store.PutEscrow(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func checkedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

func checkedSub(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}
