package escrow

import (
	solana "github.com/gagliardetto/solana-go"

	"github.com/meridianpay/offline-settle/ledger"
)

// ProgramID is the deterministic, abstract address of the escrow program
// itself. The runtime the program executes in is deliberately abstracted
// away; this constant exists only so addresses derive the same way a
// real on-chain program's PDAs would, via solana.FindProgramAddress.
var ProgramID = solana.PublicKeyFromBytes(bytesRepeated(0x45, 32))

func bytesRepeated(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// DeriveEscrowAddress computes the deterministic escrow account address
// for an owner: derive("escrow", owner_pubkey).
func DeriveEscrowAddress(owner ledger.PubKey) (ledger.PubKey, uint8, error) {
	pda, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte("escrow"), owner.Bytes()},
		ProgramID,
	)
	if err != nil {
		return ledger.PubKey{}, 0, err
	}
	var out ledger.PubKey
	copy(out[:], pda[:])
	return out, bump, nil
}

// DeriveNonceRegistryAddress computes the deterministic nonce registry
// address for a payer: derive("nonce", payer_pubkey).
func DeriveNonceRegistryAddress(payer ledger.PubKey) (ledger.PubKey, uint8, error) {
	pda, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte("nonce"), payer.Bytes()},
		ProgramID,
	)
	if err != nil {
		return ledger.PubKey{}, 0, err
	}
	var out ledger.PubKey
	copy(out[:], pda[:])
	return out, bump, nil
}
