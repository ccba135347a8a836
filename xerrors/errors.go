// Package xerrors is the error taxonomy shared by the bundle engine, the
// attestation service, and the escrow program. Every contract boundary in
// this repository returns one of these kinds instead of an ad hoc string.
package xerrors

import "fmt"

// Kind identifies a distinguishable error category.
type Kind string

const (
	// Validation
	KindInvalidAmount      Kind = "invalid_amount"
	KindInvalidBundleID    Kind = "invalid_bundle_id"
	KindInvalidNonce       Kind = "invalid_nonce"
	KindInvalidOwner       Kind = "invalid_owner"
	KindMissingAttestation Kind = "missing_attestation"
	KindInvalidAttestation Kind = "invalid_attestation"

	// Duplicate/fraud
	KindDuplicateBundle  Kind = "duplicate_bundle"
	KindFraudHashMatches Kind = "fraud_hash_matches"

	// Resource
	KindInsufficientFunds Kind = "insufficient_funds"
	KindOverflow          Kind = "overflow"
	KindUnderflow         Kind = "underflow"

	// Cryptographic
	KindInvalidPayerSignature    Kind = "invalid_payer_signature"
	KindInvalidMerchantSignature Kind = "invalid_merchant_signature"

	// Transport/transient
	KindTimeout             Kind = "timeout"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindClockSkew           Kind = "clock_skew"

	// Local
	KindSignerUnavailable Kind = "signer_unavailable"
	KindStorageCorrupt    Kind = "storage_corrupt"
	KindSchemaMismatch    Kind = "schema_mismatch"

	// Bundle-engine specific (create_bundle/cosign contract failures)
	KindNonceExhausted Kind = "nonce_exhausted"
	KindWrongMerchant  Kind = "wrong_merchant"

	// Attestation-service specific failure modes
	KindDeviceIntegrityFailed Kind = "device_integrity_failed"
	KindNonceMismatch         Kind = "nonce_mismatch"
	KindTokenExpired          Kind = "token_expired"
	KindBlacklisted           Kind = "blacklisted"
	KindAPIError              Kind = "api_error"
)

// Error is the concrete type returned at every contract boundary in this
// repository. It carries a Kind for programmatic dispatch, a human
// message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Owner   string // payer/device/account identifier, when known
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, owner string, err error) *Error {
	return &Error{Kind: kind, Message: message, Owner: owner, Err: err}
}

// IsTransient reports whether the error kind is safe to retry: network,
// rate-limit, and clock-skew failures are transient, while invalid
// signatures, insufficient funds, and duplicate bundles are permanent.
func IsTransient(err error) bool {
	var e *Error
	if !As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindUpstreamUnavailable, KindClockSkew, KindAPIError:
		return true
	default:
		return false
	}
}

// As walks err's single-Unwrap chain for an *Error, the local equivalent
// of errors.As for this type, kept here so callers only need to import
// this package for taxonomy dispatch.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
