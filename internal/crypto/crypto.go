// Package crypto implements the password-based authenticated encryption used
// for every chain node, plus the checksum and compression helpers shared by the
// sync and transfer layers.
//
// Blob layout:
//
//	salt (16) ‖ iv (12) ‖ ciphertext ‖ tag (16)
//
// The key is PBKDF2-HMAC-SHA256(password, salt, 100000, 32) and the cipher is
// AES-256-GCM. Every call to Encrypt draws a fresh salt and iv.
package crypto

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the length of the random PBKDF2 salt.
	SaltSize = 16
	// IVSize is the length of the GCM nonce.
	IVSize = 12
	// TagSize is the length of the GCM authentication tag.
	TagSize = 16
	// KeySize is the AES-256 key length.
	KeySize = 32
	// Iterations is the PBKDF2 iteration count.
	Iterations = 100000

	headerSize = SaltSize + IVSize
)

// ErrDecrypt is the sentinel matched by every decryption failure.
var ErrDecrypt = errors.New("decryption failed")

// Error describes why a blob could not be decrypted.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "decryption failed: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is ErrDecrypt.
func (e *Error) Is(target error) bool { return target == ErrDecrypt }

// DeriveKey stretches password with salt into an AES-256 key.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, Iterations, KeySize, sha256.New)
}

// Encrypt seals plain under a key derived from password.
func Encrypt(plain []byte, password string) ([]byte, error) {
	out := make([]byte, headerSize, headerSize+len(plain)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out[:headerSize]); err != nil {
		return nil, fmt.Errorf("failed to read random salt/iv: %w", err)
	}
	salt, iv := out[:SaltSize], out[SaltSize:headerSize]

	gcm, err := newGCM(DeriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	return gcm.Seal(out, iv, plain, nil), nil
}

// Decrypt opens a blob produced by Encrypt. It never returns partial
// plaintext: on any failure the result is nil and the error matches
// ErrDecrypt.
func Decrypt(blob []byte, password string) ([]byte, error) {
	if len(blob) < headerSize+TagSize {
		return nil, &Error{Reason: fmt.Sprintf("input too short (%d bytes)", len(blob))}
	}
	salt, iv, sealed := blob[:SaltSize], blob[SaltSize:headerSize], blob[headerSize:]

	gcm, err := newGCM(DeriveKey(password, salt))
	if err != nil {
		return nil, &Error{Reason: "cipher setup", Err: err}
	}
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, &Error{Reason: "authentication tag mismatch", Err: err}
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Checksum returns the lowercase hex SHA-256 of b.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Compress gzips data.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return out, nil
}
