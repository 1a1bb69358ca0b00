package wallet

import (
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// generateMnemonic produces a 12-word BIP-39 mnemonic (128 bits of entropy).
func generateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}
