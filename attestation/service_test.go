package attestation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianpay/offline-settle/ledger"
	"github.com/meridianpay/offline-settle/xerrors"
)

func newTestService(t *testing.T) (*Service, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	svc := NewService(Config{AllowDevAttestation: true}, priv, nil, NewMemoryCache())
	return svc, priv
}

func fixtureEnvelope(bundleID string, ts int64, deviceID string) Envelope {
	var nonce [32]byte
	copy(nonce[:], []byte("envelope-nonce-fixture-000000001"))
	return Envelope{
		BundleID:          bundleID,
		Timestamp:         ts,
		Nonce:             nonce,
		AttestationReport: []byte("dev-token"),
		DeviceInfo:        DeviceInfo{Model: "pixel-9", OSVersion: "15", SecurityLevel: SecurityTEE},
		DeviceID:          deviceID,
	}
}

func TestVerifyAttestation_Success(t *testing.T) {
	svc, _ := newTestService(t)
	svc.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	payer := [32]byte{1}
	merchant := [32]byte{2}
	req := VerifyRequest{
		BundleID:      "bundle-1",
		Payer:         ledger.PubKey(payer),
		Merchant:      ledger.PubKey(merchant),
		Amount:        1000,
		BundleNonce:   1,
		PayerEnvelope: fixtureEnvelope("bundle-1", 1_700_000_000_000, "device-a"),
	}

	result, err := svc.VerifyAttestation(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.NotNil(t, result.PayerProof)
	require.True(t, ledger.Verify(svc.VerifierPublicKey(), result.PayerProof.Root.Bytes(), result.PayerProof.Signature))
}

func TestVerifyAttestation_ExpiredTokenRejected(t *testing.T) {
	svc, _ := newTestService(t)
	svc.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	req := VerifyRequest{
		BundleID:      "bundle-2",
		Payer:         ledger.PubKey{1},
		Merchant:      ledger.PubKey{2},
		Amount:        1000,
		BundleNonce:   1,
		PayerEnvelope: fixtureEnvelope("bundle-2", 1_700_000_000_000-int64((MaxEnvelopeAge+time.Second).Milliseconds()), "device-b"),
	}

	_, err := svc.VerifyAttestation(context.Background(), req)
	require.Error(t, err)
	var xe *xerrors.Error
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindTokenExpired, xe.Kind)
}

func TestVerifyAttestation_BlacklistedDeviceRejected(t *testing.T) {
	svc, _ := newTestService(t)
	svc.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	svc.ReportFraud("device-c", "bundle-x", "DuplicateBundle")
	svc.ReportFraud("device-c", "bundle-y", "DuplicateBundle")
	svc.ReportFraud("device-c", "bundle-z", "DuplicateBundle")
	require.True(t, svc.reputation.IsBlacklisted("device-c"))

	req := VerifyRequest{
		BundleID:      "bundle-3",
		Payer:         ledger.PubKey{1},
		Merchant:      ledger.PubKey{2},
		Amount:        1000,
		BundleNonce:   1,
		PayerEnvelope: fixtureEnvelope("bundle-3", 1_700_000_000_000, "device-c"),
	}

	_, err := svc.VerifyAttestation(context.Background(), req)
	require.Error(t, err)
	var xe *xerrors.Error
	require.True(t, xerrors.As(err, &xe))
	require.Equal(t, xerrors.KindBlacklisted, xe.Kind)
}

func TestVerifyAttestation_CachesDuplicateRequests(t *testing.T) {
	svc, _ := newTestService(t)
	svc.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	req := VerifyRequest{
		BundleID:      "bundle-4",
		Payer:         ledger.PubKey{1},
		Merchant:      ledger.PubKey{2},
		Amount:        1000,
		BundleNonce:   1,
		PayerEnvelope: fixtureEnvelope("bundle-4", 1_700_000_000_000, "device-d"),
	}

	first, err := svc.VerifyAttestation(context.Background(), req)
	require.NoError(t, err)

	// Mutate the envelope in a way that would fail validation if it were
	// re-run; the cached result should still be returned unchanged.
	req.PayerEnvelope.Timestamp = 0
	second, err := svc.VerifyAttestation(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.PayerProof.Root, second.PayerProof.Root)
}

func TestReportFraud_AutoBlacklistsAtThreeReports(t *testing.T) {
	svc, _ := newTestService(t)
	require.False(t, svc.reputation.IsBlacklisted("device-e"))
	svc.ReportFraud("device-e", "b1", "Other")
	require.False(t, svc.reputation.IsBlacklisted("device-e"))
	svc.ReportFraud("device-e", "b2", "Other")
	require.False(t, svc.reputation.IsBlacklisted("device-e"))
	svc.ReportFraud("device-e", "b3", "Other")
	require.True(t, svc.reputation.IsBlacklisted("device-e"))
}
