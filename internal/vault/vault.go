// Package vault encrypts and decrypts wallet seed phrases at rest.
//
// Envelopes are stored as "v1:<ivHex>:<ciphertextHex>" so the cipher and
// format can be migrated without touching existing rows. A decrypt is only
// trusted once the recovered plaintext passes the BIP-39 checksum; a clean
// cipher run over tampered data must never hand back a plausible mnemonic.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"bursar/internal/logging"
)

const (
	envelopeVersion = "v1"
	ivLength        = 16
	minKeyBytes     = 32
)

var (
	// ErrKeyConfig indicates the master encryption key is missing or too short.
	ErrKeyConfig = errors.New("vault: encryption key misconfigured")
	// ErrInvalidSeed indicates the supplied phrase fails the BIP-39 checksum.
	ErrInvalidSeed = errors.New("vault: invalid seed phrase")
	// ErrUnsupportedVersion indicates an envelope with an unknown version tag.
	ErrUnsupportedVersion = errors.New("vault: unsupported envelope version")
	// ErrDecryptionFailed covers cipher errors, malformed envelopes and
	// recovered plaintext that fails the mnemonic checksum.
	ErrDecryptionFailed = errors.New("vault: decryption failed")
)

// Vault performs seed phrase encryption with a process-wide master key.
// Safe for concurrent use.
type Vault struct {
	key    []byte
	logger logging.Logger
}

// New builds a Vault from a hex-encoded master key. The decoded key must be
// at least 32 bytes; only the first 32 bytes are used.
func New(hexKey string, logger logging.Logger) (*Vault, error) {
	if strings.TrimSpace(hexKey) == "" {
		return nil, fmt.Errorf("%w: key not set", ErrKeyConfig)
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not valid hex", ErrKeyConfig)
	}
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("%w: key must be at least %d bytes, got %d", ErrKeyConfig, minKeyBytes, len(key))
	}

	return &Vault{key: key[:minKeyBytes], logger: logger}, nil
}

// EncryptSeed validates the mnemonic checksum and returns a versioned
// envelope with a fresh random IV.
func (v *Vault) EncryptSeed(seedPhrase string) (string, error) {
	if !bip39.IsMnemonicValid(seedPhrase) {
		return "", ErrInvalidSeed
	}

	iv := make([]byte, ivLength)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("vault: failed to generate IV: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}

	padded := pkcs7Pad([]byte(seedPhrase), block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return fmt.Sprintf("%s:%s:%s", envelopeVersion, hex.EncodeToString(iv), hex.EncodeToString(ciphertext)), nil
}

// DecryptSeed recovers the mnemonic from an envelope produced by EncryptSeed.
// Unknown version tags fail closed. Error logs carry only a short prefix of
// the envelope, never key material or plaintext.
func (v *Vault) DecryptSeed(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		v.logFailure("malformed envelope", envelope)
		return "", fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}

	if parts[0] != envelopeVersion {
		v.logFailure("unsupported version", envelope)
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, parts[0])
	}

	iv, err := hex.DecodeString(parts[1])
	if err != nil || len(iv) != ivLength {
		v.logFailure("bad IV encoding", envelope)
		return "", fmt.Errorf("%w: bad IV", ErrDecryptionFailed)
	}

	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		v.logFailure("bad ciphertext encoding", envelope)
		return "", fmt.Errorf("%w: bad ciphertext", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, block.BlockSize())
	if err != nil {
		v.logFailure("bad padding", envelope)
		return "", fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
	}

	seedPhrase := string(unpadded)
	if !bip39.IsMnemonicValid(seedPhrase) {
		// Tampered or corrupted: decrypt "succeeded" but the checksum is wrong.
		v.logFailure("checksum mismatch after decrypt", envelope)
		return "", fmt.Errorf("%w: checksum mismatch", ErrDecryptionFailed)
	}

	return seedPhrase, nil
}

func (v *Vault) logFailure(reason, envelope string) {
	v.logger.WithFields(logging.Fields{
		"reason":   reason,
		"envelope": envelopePrefix(envelope),
	}).Error("Seed decryption failed")
}

// envelopePrefix returns a short non-reversible prefix for error logs.
func envelopePrefix(envelope string) string {
	if len(envelope) <= 10 {
		return envelope
	}
	return envelope[:10] + "..."
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("invalid padding length")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding byte")
		}
	}
	return data[:len(data)-padLen], nil
}
