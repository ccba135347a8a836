package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver

	"github.com/meridianpay/offline-settle/ledger"
	"github.com/meridianpay/offline-settle/xerrors"
)

// PostgresStore persists escrow accounts and nonce registries to
// Postgres. The ledger's own runtime is abstracted away elsewhere, but a
// production instruction executor still needs serializable per-owner
// storage that survives process restarts; this is that layer, not a
// second ledger.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore opens a connection pool and ensures the backing
// tables exist.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS escrow_accounts (
	owner TEXT PRIMARY KEY,
	escrow_token_account TEXT NOT NULL,
	escrow_balance BIGINT NOT NULL,
	last_nonce BIGINT NOT NULL,
	reputation_score INTEGER NOT NULL,
	total_spent BIGINT NOT NULL,
	total_withdrawn BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	bump SMALLINT NOT NULL,
	legacy BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS nonce_registries (
	owner TEXT PRIMARY KEY,
	last_nonce BIGINT NOT NULL,
	recent_bundle_hashes JSONB NOT NULL,
	bundle_history JSONB NOT NULL,
	fraud_records JSONB NOT NULL
);
`)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// Ping verifies the connection pool can still reach Postgres, for use by
// the service's readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) GetEscrow(owner ledger.PubKey) (*EscrowAccount, error) {
	row := s.db.QueryRow(`
SELECT owner, escrow_token_account, escrow_balance, last_nonce, reputation_score,
       total_spent, total_withdrawn, created_at, bump, legacy
FROM escrow_accounts WHERE owner = $1`, owner.String())

	var (
		ownerStr, tokenAcctStr string
		acct                   EscrowAccount
	)
	if err := row.Scan(&ownerStr, &tokenAcctStr, &acct.EscrowBalance, &acct.LastNonce,
		&acct.ReputationScore, &acct.TotalSpent, &acct.TotalWithdrawn, &acct.CreatedAt,
		&acct.Bump, &acct.Legacy); err != nil {
		if err == sql.ErrNoRows {
			return nil, xerrors.New(xerrors.KindInvalidOwner, "escrow account not found")
		}
		return nil, fmt.Errorf("scan escrow account: %w", err)
	}

	owner2, err := ledger.PubKeyFromBase58(ownerStr)
	if err != nil {
		return nil, fmt.Errorf("decode owner: %w", err)
	}
	tokenAcct, err := ledger.PubKeyFromBase58(tokenAcctStr)
	if err != nil {
		return nil, fmt.Errorf("decode escrow token account: %w", err)
	}
	acct.Owner = owner2
	acct.EscrowTokenAccount = tokenAcct
	return &acct, nil
}

func (s *PostgresStore) PutEscrow(acct *EscrowAccount) error {
	_, err := s.db.Exec(`
INSERT INTO escrow_accounts (owner, escrow_token_account, escrow_balance, last_nonce,
	reputation_score, total_spent, total_withdrawn, created_at, bump, legacy)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (owner) DO UPDATE SET
	escrow_token_account = EXCLUDED.escrow_token_account,
	escrow_balance = EXCLUDED.escrow_balance,
	last_nonce = EXCLUDED.last_nonce,
	reputation_score = EXCLUDED.reputation_score,
	total_spent = EXCLUDED.total_spent,
	total_withdrawn = EXCLUDED.total_withdrawn,
	bump = EXCLUDED.bump,
	legacy = EXCLUDED.legacy`,
		acct.Owner.String(), acct.EscrowTokenAccount.String(), acct.EscrowBalance,
		acct.LastNonce, acct.ReputationScore, acct.TotalSpent, acct.TotalWithdrawn,
		acct.CreatedAt, acct.Bump, acct.Legacy)
	if err != nil {
		return fmt.Errorf("upsert escrow account: %w", err)
	}
	return nil
}

// nonceRegistryRow is the JSON-serializable shape of the ring buffers,
// since Postgres has no native bounded-ring type.
type nonceRegistryRow struct {
	RecentBundleHashes []ledger.Hash32      `json:"recent_bundle_hashes"`
	BundleHistory      []BundleHistoryEntry `json:"bundle_history"`
	FraudRecords       []FraudRecord        `json:"fraud_records"`
}

func (s *PostgresStore) GetNonceRegistry(owner ledger.PubKey) (*NonceRegistry, error) {
	row := s.db.QueryRow(`
SELECT last_nonce, recent_bundle_hashes, bundle_history, fraud_records
FROM nonce_registries WHERE owner = $1`, owner.String())

	var lastNonce uint64
	var hashesJSON, historyJSON, fraudJSON []byte
	if err := row.Scan(&lastNonce, &hashesJSON, &historyJSON, &fraudJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, xerrors.New(xerrors.KindInvalidOwner, "nonce registry not found")
		}
		return nil, fmt.Errorf("scan nonce registry: %w", err)
	}

	var decoded nonceRegistryRow
	decoded.RecentBundleHashes = nil
	if err := json.Unmarshal(hashesJSON, &decoded.RecentBundleHashes); err != nil {
		return nil, fmt.Errorf("decode recent_bundle_hashes: %w", err)
	}
	if err := json.Unmarshal(historyJSON, &decoded.BundleHistory); err != nil {
		return nil, fmt.Errorf("decode bundle_history: %w", err)
	}
	if err := json.Unmarshal(fraudJSON, &decoded.FraudRecords); err != nil {
		return nil, fmt.Errorf("decode fraud_records: %w", err)
	}

	reg := NewNonceRegistry(owner)
	reg.LastNonce = lastNonce
	for _, h := range decoded.RecentBundleHashes {
		reg.RecentBundleHashes.Push(h)
	}
	for _, h := range decoded.BundleHistory {
		reg.BundleHistory.Push(h)
	}
	for _, h := range decoded.FraudRecords {
		reg.FraudRecords.Push(h)
	}
	return reg, nil
}

func (s *PostgresStore) PutNonceRegistry(reg *NonceRegistry) error {
	row := nonceRegistryRow{
		RecentBundleHashes: reg.RecentBundleHashes.Entries(),
		BundleHistory:      reg.BundleHistory.Entries(),
		FraudRecords:       reg.FraudRecords.Entries(),
	}
	hashesJSON, err := json.Marshal(row.RecentBundleHashes)
	if err != nil {
		return err
	}
	historyJSON, err := json.Marshal(row.BundleHistory)
	if err != nil {
		return err
	}
	fraudJSON, err := json.Marshal(row.FraudRecords)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
INSERT INTO nonce_registries (owner, last_nonce, recent_bundle_hashes, bundle_history, fraud_records)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (owner) DO UPDATE SET
	last_nonce = EXCLUDED.last_nonce,
	recent_bundle_hashes = EXCLUDED.recent_bundle_hashes,
	bundle_history = EXCLUDED.bundle_history,
	fraud_records = EXCLUDED.fraud_records`,
		reg.Owner.String(), reg.LastNonce, hashesJSON, historyJSON, fraudJSON)
	if err != nil {
		return fmt.Errorf("upsert nonce registry: %w", err)
	}
	return nil
}
