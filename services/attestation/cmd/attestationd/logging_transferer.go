package main

import (
	"log"

	"github.com/meridianpay/offline-settle/ledger"
)

// loggingTransferer is a placeholder escrow.TokenTransferer for
// deployments that haven't wired a real token runtime yet. It never
// fails, so settlement exercises the full instruction pipeline end to
// end; swap in a real SPL-token-calling implementation before handling
// live funds.
type loggingTransferer struct{}

func (loggingTransferer) Transfer(from, to ledger.PubKey, amount uint64) error {
	log.Printf("token transfer: %s -> %s amount=%d", from, to, amount)
	return nil
}
