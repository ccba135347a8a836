package escrow

import (
	"sync"

	"github.com/meridianpay/offline-settle/ledger"
	"github.com/meridianpay/offline-settle/xerrors"
)

// Store is the durable backing for escrow accounts and nonce registries.
// Implementations must provide serializable access to the escrow and
// nonce registry of a given owner, even though the program's own
// instruction handlers (Program, program.go) execute as a single atomic
// step from the caller's perspective.
type Store interface {
	GetEscrow(owner ledger.PubKey) (*EscrowAccount, error)
	PutEscrow(acct *EscrowAccount) error
	GetNonceRegistry(owner ledger.PubKey) (*NonceRegistry, error)
	PutNonceRegistry(reg *NonceRegistry) error
}

// MemoryStore is an in-process Store used by tests and by the parity
// harness between the local-sign and server-submit settlement paths. A
// single mutex stands in for "the ledger's own concurrency rules" since
// this package has no transaction concept of its own.
type MemoryStore struct {
	mu         sync.Mutex
	escrows    map[ledger.PubKey]*EscrowAccount
	registries map[ledger.PubKey]*NonceRegistry
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:    make(map[ledger.PubKey]*EscrowAccount),
		registries: make(map[ledger.PubKey]*NonceRegistry),
	}
}

func (s *MemoryStore) GetEscrow(owner ledger.PubKey) (*EscrowAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.escrows[owner]
	if !ok {
		return nil, xerrors.New(xerrors.KindInvalidOwner, "escrow account not found")
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) PutEscrow(acct *EscrowAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *acct
	s.escrows[acct.Owner] = &cp
	return nil
}

func (s *MemoryStore) GetNonceRegistry(owner ledger.PubKey) (*NonceRegistry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registries[owner]
	if !ok {
		return nil, xerrors.New(xerrors.KindInvalidOwner, "nonce registry not found")
	}
	// Snapshot-on-read: clone the rings so a caller mutating its copy
	// cannot corrupt the store's view.
	cp := &NonceRegistry{
		Owner:              reg.Owner,
		LastNonce:          reg.LastNonce,
		RecentBundleHashes: reg.RecentBundleHashes.Clone(),
		BundleHistory:      reg.BundleHistory.Clone(),
		FraudRecords:       reg.FraudRecords.Clone(),
	}
	return cp, nil
}

func (s *MemoryStore) PutNonceRegistry(reg *NonceRegistry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registries[reg.Owner] = reg
	return nil
}
