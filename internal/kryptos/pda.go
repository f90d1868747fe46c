package kryptos

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Seed prefixes match the on-chain program's PDA derivation.
const (
	seedDcaVault    = "dca_vault"
	seedInputVault  = "input_vault"
	seedOutputVault = "output_vault"
	seedIntentVault = "intent_vault"
)

func DeriveDcaVaultPDA(programID, authority, inputMint, outputMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{[]byte(seedDcaVault), authority.Bytes(), inputMint.Bytes(), outputMint.Bytes()},
		programID,
	)
}

func DeriveDcaInputVaultPDA(programID, dcaVault solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(seedInputVault), dcaVault.Bytes()}, programID)
}

func DeriveDcaOutputVaultPDA(programID, dcaVault solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(seedOutputVault), dcaVault.Bytes()}, programID)
}

func DeriveIntentVaultPDA(programID, authority, inputMint solana.PublicKey, nonce uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{[]byte(seedIntentVault), authority.Bytes(), inputMint.Bytes(), u64LE(nonce)},
		programID,
	)
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
