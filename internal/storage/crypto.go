package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// CipherKeySize is the length of the symmetric key in bytes.
	CipherKeySize = 24
	// CipherIVSize is the length of the initialization vector in bytes.
	CipherIVSize = aes.BlockSize
)

// CipherConfig drives the creation of a Cipher for at-rest encryption.
type CipherConfig struct {
	Enabled bool
	// KeyHex is the hex encoded 24 byte key.
	KeyHex string
	// IVHex is the hex encoded 16 byte initialization vector.
	IVHex string
}

// Cipher encrypts entry payloads with a fixed key and IV using CBC mode and
// zero padding. Identical plaintexts always produce identical ciphertexts.
//
// Zero padding cannot tell padding apart from trailing zero bytes of the
// plaintext: a payload ending in 0x00 comes back without those bytes.
type Cipher struct {
	block cipher.Block
	iv    [CipherIVSize]byte
}

// NewCipher initialises a Cipher according to cfg. When encryption is
// disabled the returned value is nil, which every method treats as a
// pass-through.
func NewCipher(cfg CipherConfig) (*Cipher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	key, err := decodeHexMaterial("key", cfg.KeyHex, CipherKeySize)
	if err != nil {
		return nil, err
	}
	iv, err := decodeHexMaterial("iv", cfg.IVHex, CipherIVSize)
	if err != nil {
		return nil, err
	}
	return NewCipherFromBytes(key, iv)
}

// NewCipherFromBytes builds a Cipher from raw key material.
func NewCipherFromBytes(key, iv []byte) (*Cipher, error) {
	if len(key) != CipherKeySize {
		return nil, fmt.Errorf("storage cipher: key must be %d bytes, got %d", CipherKeySize, len(key))
	}
	if len(iv) != CipherIVSize {
		return nil, fmt.Errorf("storage cipher: iv must be %d bytes, got %d", CipherIVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("storage cipher: init block cipher: %w", err)
	}
	c := &Cipher{block: block}
	copy(c.iv[:], iv)
	return c, nil
}

// Enabled reports whether encryption is active.
func (c *Cipher) Enabled() bool {
	return c != nil && c.block != nil
}

// Encrypt returns the ciphertext for plaintext. The result never aliases
// plaintext.
func (c *Cipher) Encrypt(plaintext []byte) []byte {
	if !c.Enabled() {
		return append([]byte(nil), plaintext...)
	}
	size := len(plaintext)
	if rem := size % CipherIVSize; rem != 0 {
		size += CipherIVSize - rem
	}
	out := make([]byte, size)
	copy(out, plaintext)
	if size == 0 {
		return out
	}
	cipher.NewCBCEncrypter(c.block, c.iv[:]).CryptBlocks(out, out)
	return out
}

// Decrypt reverses Encrypt and strips the zero padding.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if !c.Enabled() {
		return append([]byte(nil), ciphertext...), nil
	}
	if len(ciphertext)%CipherIVSize != 0 {
		return nil, fmt.Errorf("storage cipher: ciphertext length %d is not a multiple of %d: %w", len(ciphertext), CipherIVSize, ErrDecrypt)
	}
	out := make([]byte, len(ciphertext))
	if len(ciphertext) > 0 {
		cipher.NewCBCDecrypter(c.block, c.iv[:]).CryptBlocks(out, ciphertext)
	}
	return bytes.TrimRight(out, "\x00"), nil
}

func decodeHexMaterial(name, value string, size int) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("storage cipher: %s required when encryption enabled", name)
	}
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("storage cipher: decode %s: %w", name, err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("storage cipher: %s must decode to %d bytes, got %d", name, size, len(raw))
	}
	return raw, nil
}
