package storage

import (
	"bytes"
	"errors"
	"testing"
)

const (
	testKeyHex = "123456789012345678901234123456789012345678901234"
	testIVHex  = "f0f1f2f3f4f5f6f7f8f9fafbfcfdfeff"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(CipherConfig{Enabled: true, KeyHex: testKeyHex, IVHex: testIVHex})
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

func TestNewCipherDisabledReturnsNil(t *testing.T) {
	c, err := NewCipher(CipherConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != nil || c.Enabled() {
		t.Fatal("expected nil pass-through cipher")
	}
	payload := []byte("plain")
	out := c.Encrypt(payload)
	if !bytes.Equal(out, payload) {
		t.Fatalf("disabled cipher changed payload: %q", out)
	}
	out[0] = 'X'
	if payload[0] != 'p' {
		t.Fatal("disabled cipher aliased the input")
	}
}

func TestNewCipherValidatesMaterial(t *testing.T) {
	cases := []CipherConfig{
		{Enabled: true, IVHex: testIVHex},
		{Enabled: true, KeyHex: testKeyHex},
		{Enabled: true, KeyHex: "zz", IVHex: testIVHex},
		{Enabled: true, KeyHex: testKeyHex[:32], IVHex: testIVHex},
		{Enabled: true, KeyHex: testKeyHex, IVHex: testIVHex[:30]},
	}
	for i, cfg := range cases {
		if _, err := NewCipher(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestCipherRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	payloads := [][]byte{
		[]byte("bar"),
		bytes.Repeat([]byte{42}, 512),
		[]byte("exactly sixteen!"),
		[]byte("{\"json\":true}\n"),
		{},
	}
	for _, p := range payloads {
		ct := c.Encrypt(p)
		if len(ct)%CipherIVSize != 0 {
			t.Fatalf("ciphertext length %d not block aligned", len(ct))
		}
		if len(p) > 0 && bytes.Equal(ct[:len(p)], p) {
			t.Fatalf("ciphertext leaks plaintext for %q", p)
		}
		pt, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(pt, p) {
			t.Fatalf("round trip mismatch: got %q want %q", pt, p)
		}
	}
}

func TestCipherIsDeterministic(t *testing.T) {
	c := newTestCipher(t)
	a := c.Encrypt([]byte("same input"))
	b := c.Encrypt([]byte("same input"))
	if !bytes.Equal(a, b) {
		t.Fatal("expected identical ciphertexts for identical plaintexts")
	}
}

// Zero padding is ambiguous: trailing zero bytes of the plaintext are
// indistinguishable from padding and are dropped on decrypt.
func TestCipherDropsTrailingZeroBytes(t *testing.T) {
	c := newTestCipher(t)
	payload := []byte{'a', 'b', 0, 0}
	pt, err := c.Decrypt(c.Encrypt(payload))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if bytes.Equal(pt, payload) {
		t.Fatal("expected trailing zero bytes to be lost")
	}
	if !bytes.Equal(pt, []byte("ab")) {
		t.Fatalf("expected %q, got %q", "ab", pt)
	}
}

func TestCipherDecryptRejectsMisalignedInput(t *testing.T) {
	c := newTestCipher(t)
	_, err := c.Decrypt([]byte("short"))
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}
