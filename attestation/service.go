package attestation

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/meridianpay/offline-settle/ledger"
	"github.com/meridianpay/offline-settle/xerrors"
)

// PlatformAuthority validates a device-signed integrity token against the
// device platform's attestation authority — an upstream RPC call and
// therefore the service's one real suspension point. A nil authority
// plus AllowDevAttestation lets development tokens through instead.
type PlatformAuthority interface {
	ValidateToken(ctx context.Context, report []byte, certChain [][]byte, devicePubKey ledger.PubKey) error
}

// ProofResult is what VerifyAttestation returns per role: the proof the
// Escrow Program will later verify, plus the role it was bound to.
type ProofResult struct {
	Role  ledger.Role
	Proof ledger.AttestationProof
}

// VerifyRequest is the /verify-attestation input.
type VerifyRequest struct {
	BundleID         string
	Payer            ledger.PubKey
	Merchant         ledger.PubKey
	Amount           uint64
	BundleNonce      uint64
	PayerEnvelope    Envelope
	MerchantEnvelope *Envelope // optional
}

// VerifyResult is the /verify-attestation output.
type VerifyResult struct {
	Valid         bool
	PayerProof    *ledger.AttestationProof
	MerchantProof *ledger.AttestationProof
}

// Config controls the validation pipeline's configurable knobs.
type Config struct {
	AllowDevAttestation bool
}

// Service is the Attestation Service.
type Service struct {
	cfg          Config
	verifierPub  ledger.PubKey
	verifierPriv ed25519.PrivateKey
	authority    PlatformAuthority // nil if not configured
	cache        EnvelopeCache
	reputation   *ReputationStore
	now          func() time.Time
}

// NewService constructs an Attestation Service. verifierPriv signs every
// issued proof; its corresponding public key is the one the Escrow
// Program hard-codes for signature checks.
func NewService(cfg Config, verifierPriv ed25519.PrivateKey, authority PlatformAuthority, cache EnvelopeCache) *Service {
	var pub ledger.PubKey
	copy(pub[:], verifierPriv.Public().(ed25519.PublicKey))
	return &Service{
		cfg:          cfg,
		verifierPub:  pub,
		verifierPriv: verifierPriv,
		authority:    authority,
		cache:        cache,
		reputation:   NewReputationStore(),
		now:          time.Now,
	}
}

// VerifierPublicKey returns the service's public signing key, for wiring
// into the Escrow Program's hard-coded verifier key.
func (s *Service) VerifierPublicKey() ledger.PubKey { return s.verifierPub }

// VerifyAttestation runs the validation pipeline for each role submitted
// and returns a signed AttestationProof per role.
func (s *Service) VerifyAttestation(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if cached, ok := s.cache.Get(req.BundleID); ok {
		return &VerifyResult{
			Valid:         true,
			PayerProof:    proofPtr(cached.PayerProof),
			MerchantProof: proofPtr(cached.MerchantProof),
		}, nil
	}

	payerResult, err := s.validateOne(ctx, req.PayerEnvelope, ledger.RolePayer, req)
	if err != nil {
		return nil, err
	}

	var merchantResult *ProofResult
	if req.MerchantEnvelope != nil {
		merchantResult, err = s.validateOne(ctx, *req.MerchantEnvelope, ledger.RoleMerchant, req)
		if err != nil {
			return nil, err
		}
	}

	s.cache.Set(req.BundleID, CachedVerification{
		PayerProof:    payerResult,
		MerchantProof: merchantResult,
	}, EnvelopeCacheTTL)

	result := &VerifyResult{Valid: true, PayerProof: &payerResult.Proof}
	if merchantResult != nil {
		result.MerchantProof = &merchantResult.Proof
	}
	return result, nil
}

// validateOne runs the six-step validation pipeline for a single
// envelope/role pair.
func (s *Service) validateOne(ctx context.Context, env Envelope, role ledger.Role, req VerifyRequest) (*ProofResult, error) {
	// 1. Parse envelope — already decoded by the caller into Envelope.
	if env.BundleID != req.BundleID {
		return nil, xerrors.New(xerrors.KindNonceMismatch, "envelope bundle_id does not match request")
	}

	// 2. verify device-signed attestation token against the platform
	// authority, or accept development tokens if configured.
	if s.authority != nil {
		if err := s.authority.ValidateToken(ctx, env.AttestationReport, env.CertificateChain, env.DevicePubKey); err != nil {
			return nil, xerrors.Wrap(xerrors.KindDeviceIntegrityFailed, "platform authority rejected token", env.DeviceID, err)
		}
	} else if !s.cfg.AllowDevAttestation {
		return nil, xerrors.New(xerrors.KindInvalidAttestation, "no platform authority configured and dev attestation disabled")
	}

	// 3. reject tokens older than 5 minutes or from blacklisted devices.
	age := s.now().Sub(time.UnixMilli(env.Timestamp))
	if age < 0 {
		age = -age
	}
	if age > MaxEnvelopeAge {
		return nil, xerrors.New(xerrors.KindTokenExpired, "attestation token older than max envelope age")
	}
	if s.reputation.IsBlacklisted(env.DeviceID) {
		return nil, xerrors.New(xerrors.KindBlacklisted, "device is blacklisted")
	}

	// 4. compute root
	root, err := ledger.CanonicalAttestationRoot(ledger.AttestationRootInput{
		BundleID:             req.BundleID,
		Payer:                req.Payer,
		Merchant:             req.Merchant,
		Amount:               req.Amount,
		BundleNonce:          req.BundleNonce,
		Role:                 role,
		AttestationNonce:     env.Nonce,
		AttestationTimestamp: env.Timestamp,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidAttestation, "compute attestation root", env.DeviceID, err)
	}

	// 5. sign root with the service key
	proof := ledger.AttestationProof{
		Root:      root,
		Nonce:     env.Nonce,
		Timestamp: env.Timestamp,
		Signature: ledger.Sign(s.verifierPriv, root.Bytes()),
	}

	s.reputation.RecordSuccess(env.DeviceID)

	// 6. caching is handled by the caller (VerifyAttestation), which
	// caches the whole bundle_id's result across roles.
	return &ProofResult{Role: role, Proof: proof}, nil
}

// ReportFraud decrements a device's reputation and auto-blacklists at >=
// 3 reports.
func (s *Service) ReportFraud(deviceID, bundleID string, reason string) {
	s.reputation.RecordFraudReport(deviceID)
}

func proofPtr(p *ProofResult) *ledger.AttestationProof {
	if p == nil {
		return nil
	}
	return &p.Proof
}
