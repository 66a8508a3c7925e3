// Package crypto contains the primitives used to secure a session: the RSA key
// pair the server advertises during the handshake and the AES session cipher
// negotiated with it.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SymmetricKeySize is the length of an AES-128 session key.
const SymmetricKeySize = 16

var (
	ErrBadKey     = errors.New("invalid session key")
	ErrBadPadding = errors.New("invalid PKCS5 padding")
	ErrShortData  = errors.New("ciphertext too short")
)

// GenerateSymmetricKey returns a new random session key.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("error generating session key: %w", err)
	}
	return key, nil
}

// EncryptSymmetric encrypts plaintext with AES-128-CBC under a fresh random IV.
// The returned slice is the IV followed by the PKCS5-padded ciphertext.
func EncryptSymmetric(key, plaintext []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("error generating IV: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// DecryptSymmetric reverses EncryptSymmetric.
func DecryptSymmetric(key, data []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	if len(data) < 2*aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, ErrShortData
	}

	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext, aes.BlockSize)
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadKey, SymmetricKeySize, len(key))
	}
	return aes.NewCipher(key)
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}

// EncryptAsymmetric encrypts a (short) message with the peer's public key.
func EncryptAsymmetric(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, pub, data)
}

// DecryptAsymmetric decrypts a message encrypted with EncryptAsymmetric.
func DecryptAsymmetric(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, priv, data)
}

// MarshalPublicKey encodes a public key as PKIX DER, the form it takes on the wire.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// ParsePublicKey decodes a PKIX DER encoded RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("error parsing public key: %w", err)
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", key)
	}
	return pub, nil
}

// Fingerprint returns the SHA-1 digest of a DER encoded public key formatted
// as colon separated hex pairs (e.g. "3f:a1:...").
func Fingerprint(der []byte) string {
	sum := sha1.Sum(der)
	encoded := hex.EncodeToString(sum[:])

	pairs := make([]string, 0, len(sum))
	for i := 0; i < len(encoded); i += 2 {
		pairs = append(pairs, encoded[i:i+2])
	}
	return strings.Join(pairs, ":")
}
