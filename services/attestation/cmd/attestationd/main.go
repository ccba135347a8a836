package main

import (
	"crypto/ed25519"
	"log"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"github.com/meridianpay/offline-settle/attestation"
	"github.com/meridianpay/offline-settle/escrow"
	"github.com/meridianpay/offline-settle/services/attestation/internal/cache"
	"github.com/meridianpay/offline-settle/services/attestation/internal/config"
	"github.com/meridianpay/offline-settle/services/attestation/internal/health"
	"github.com/meridianpay/offline-settle/services/attestation/internal/server"
)

func main() {
	cfg := config.Load()

	log.Printf("starting offline-settle attestation service")
	log.Printf("environment: %s", cfg.Environment)
	log.Printf("network: %s", cfg.Network)
	log.Printf("port: %d", cfg.Port)

	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Printf("warning: redis connection failed: %v", err)
		log.Printf("continuing without redis (rate limiting disabled, envelope cache in-process only)")
		redisClient = nil
	} else {
		log.Printf("redis connected: %s", cfg.RedisURL)
	}

	verifierPriv, err := loadOrGenerateVerifierKey(cfg.VerifierPrivateKeySeed, cfg.IsProduction())
	if err != nil {
		log.Fatalf("failed to load verifier key: %v", err)
	}

	var envelopeCache attestation.EnvelopeCache
	if redisClient != nil {
		envelopeCache = cache.NewEnvelopeCache(redisClient)
	} else {
		envelopeCache = attestation.NewMemoryCache()
	}

	var authority attestation.PlatformAuthority // nil: AllowDevAttestation governs dev-token acceptance
	attestationSvc := attestation.NewService(attestation.Config{
		AllowDevAttestation: cfg.AllowDevAttestation,
	}, verifierPriv, authority, envelopeCache)

	log.Printf("verifier public key: %s", attestationSvc.VerifierPublicKey())

	store, err := setupStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to set up escrow store: %v", err)
	}
	var dbPinger health.Pinger
	if pg, ok := store.(*escrow.PostgresStore); ok {
		dbPinger = pg
	}

	bus := escrow.NewEventBus(256)
	program := escrow.NewProgram(store, attestationSvc.VerifierPublicKey(), loggingTransferer{}, bus, nowUnix)

	srv := server.New(attestationSvc, program, redisClient, dbPinger, cfg)
	srv.Start()
}

// setupStore opens Postgres-backed storage when a DATABASE_URL is
// configured, falling back to the in-memory Store used in tests and
// single-process deployments.
func setupStore(databaseURL string) (escrow.Store, error) {
	if databaseURL == "" {
		log.Printf("warning: DATABASE_URL not set, using in-memory escrow store")
		return escrow.NewMemoryStore(), nil
	}
	store, err := escrow.OpenPostgresStore(databaseURL)
	if err != nil {
		return nil, err
	}
	log.Printf("escrow store: postgres")
	return store, nil
}

// loadOrGenerateVerifierKey decodes a base58-encoded Ed25519 private key
// seed from configuration, or mints an ephemeral one for development.
// Production deployments must supply VERIFIER_PRIVATE_KEY_SEED so the
// Escrow Program's hard-coded verifier key survives a restart.
func loadOrGenerateVerifierKey(seed string, production bool) (ed25519.PrivateKey, error) {
	if seed == "" {
		if production {
			log.Fatalf("VERIFIER_PRIVATE_KEY_SEED is required in production")
		}
		log.Printf("warning: VERIFIER_PRIVATE_KEY_SEED not set, generating an ephemeral verifier key")
		_, priv, err := ed25519.GenerateKey(nil)
		return priv, err
	}
	priv, err := solana.PrivateKeyFromBase58(seed)
	if err != nil {
		return nil, err
	}
	if len(priv) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(priv), nil
	}
	return ed25519.PrivateKey(priv), nil
}

// nowUnix feeds the Escrow Program's clock, kept in milliseconds to
// match AttestationProof.Timestamp (escrow.MaxAttestationAge).
func nowUnix() int64 {
	return time.Now().UnixMilli()
}
