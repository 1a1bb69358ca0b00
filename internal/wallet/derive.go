package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/sha3"
)

// BIP-44 path for the first external Ethereum account: m/44'/60'/0'/0/0.
var derivationPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
	0,
	0,
}

// DeriveKey derives the signing key and address for a mnemonic.
// The address is returned as 0x-prefixed lowercase hex.
func DeriveKey(mnemonic string) (*ecdsa.PrivateKey, string, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, "", fmt.Errorf("invalid mnemonic checksum")
	}

	seed := bip39.NewSeed(mnemonic, "")
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build master key: %w", err)
	}

	for _, index := range derivationPath {
		key, err = key.Derive(index)
		if err != nil {
			return nil, "", fmt.Errorf("failed to derive child key at index %d: %w", index, err)
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get private key: %w", err)
	}

	ecdsaKey := privKey.ToECDSA()
	address := pubkeyToEthAddress(privKey.PubKey().SerializeUncompressed())
	if address == "" {
		return nil, "", fmt.Errorf("failed to derive address from public key")
	}

	return ecdsaKey, address, nil
}

// DeriveAddress derives only the address for a mnemonic.
func DeriveAddress(mnemonic string) (string, error) {
	_, address, err := DeriveKey(mnemonic)
	return address, err
}

// pubkeyToEthAddress converts an uncompressed public key to an Ethereum address.
// Algorithm: keccak256(pubkey_bytes)[12:32] formatted as 0x-prefixed hex
func pubkeyToEthAddress(pubkeyUncompressed []byte) string {
	// Uncompressed pubkey is 65 bytes: 0x04 + 32-byte X + 32-byte Y.
	// The address hashes only X+Y, not the 0x04 prefix.
	if len(pubkeyUncompressed) != 65 || pubkeyUncompressed[0] != 0x04 {
		return ""
	}

	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(pubkeyUncompressed[1:])
	hash := hasher.Sum(nil)

	return "0x" + hex.EncodeToString(hash[12:32])
}
