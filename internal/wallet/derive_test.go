package wallet

import (
	"strings"
	"testing"
)

func TestDeriveKeyKnownVector(t *testing.T) {
	// Standard BIP-44 test vector: all-zero-entropy mnemonic, empty
	// passphrase, path m/44'/60'/0'/0/0.
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	key, address, err := DeriveKey(mnemonic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key == nil {
		t.Fatalf("expected non-nil private key")
	}
	if address != "0x9858effd232b4033e47d90003d41ec34ecaeda94" {
		t.Fatalf("unexpected address: %s", address)
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	mnemonic, err := generateMnemonic()
	if err != nil {
		t.Fatalf("failed to generate mnemonic: %v", err)
	}
	if got := len(strings.Fields(mnemonic)); got != 12 {
		t.Fatalf("expected 12 words, got %d", got)
	}

	first, err := DeriveAddress(mnemonic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := DeriveAddress(mnemonic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("derivation not deterministic: %s vs %s", first, second)
	}
	if !strings.HasPrefix(first, "0x") || len(first) != 42 {
		t.Fatalf("malformed address: %s", first)
	}
	if first != strings.ToLower(first) {
		t.Fatalf("address not lowercase: %s", first)
	}
}

func TestDeriveKeyRejectsInvalidMnemonic(t *testing.T) {
	if _, _, err := DeriveKey("not a mnemonic"); err == nil {
		t.Fatalf("expected error for invalid mnemonic")
	}
}

func TestPubkeyToEthAddressRejectsMalformedInput(t *testing.T) {
	if addr := pubkeyToEthAddress([]byte{0x04, 0x01}); addr != "" {
		t.Fatalf("expected empty address for short pubkey, got %s", addr)
	}
	bad := make([]byte, 65)
	bad[0] = 0x02 // compressed prefix
	if addr := pubkeyToEthAddress(bad); addr != "" {
		t.Fatalf("expected empty address for compressed pubkey, got %s", addr)
	}
}
