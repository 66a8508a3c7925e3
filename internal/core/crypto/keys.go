package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// KeyPair is the server's long-lived RSA identity.
type KeyPair struct {
	Private *rsa.PrivateKey
	// Public is the PKIX DER encoding of the public half, sent to clients as-is.
	Public []byte
}

// Fingerprint of the public key.
func (k *KeyPair) Fingerprint() string {
	return Fingerprint(k.Public)
}

// GenerateKeyPair creates a new RSA key pair of the requested size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("error generating RSA key: %w", err)
	}

	pub, err := MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("error encoding public key: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// SaveKeyPair writes the private key (PKCS#8 DER) and public key (PKIX DER) to
// the specified files.
func SaveKeyPair(k *KeyPair, privateFile, publicFile string) error {
	priv, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return fmt.Errorf("error encoding private key: %w", err)
	}

	if err := os.WriteFile(privateFile, priv, 0600); err != nil {
		return fmt.Errorf("error writing private key: %w", err)
	}
	if err := os.WriteFile(publicFile, k.Public, 0644); err != nil {
		return fmt.Errorf("error writing public key: %w", err)
	}
	return nil
}

// LoadKeyPair reads a key pair previously written by SaveKeyPair.
func LoadKeyPair(privateFile, publicFile string) (*KeyPair, error) {
	privBytes, err := os.ReadFile(privateFile)
	if err != nil {
		return nil, fmt.Errorf("error reading private key: %w", err)
	}
	pubBytes, err := os.ReadFile(publicFile)
	if err != nil {
		return nil, fmt.Errorf("error reading public key: %w", err)
	}

	key, err := x509.ParsePKCS8PrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("error parsing private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", key)
	}

	pub, err := ParsePublicKey(pubBytes)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(&priv.PublicKey) {
		return nil, errors.New("public key does not match private key")
	}

	return &KeyPair{Private: priv, Public: pubBytes}, nil
}

// LoadOrGenerateKeyPair loads the key pair from disk, generating and saving a
// new one if neither file exists. Having only one of the two files is an error.
// The returned bool reports whether a new pair was generated.
func LoadOrGenerateKeyPair(privateFile, publicFile string, bits int) (*KeyPair, bool, error) {
	privExists, pubExists := fileExists(privateFile), fileExists(publicFile)

	switch {
	case privExists && pubExists:
		k, err := LoadKeyPair(privateFile, publicFile)
		return k, false, err
	case privExists || pubExists:
		return nil, false, fmt.Errorf("only one of %s and %s exists", privateFile, publicFile)
	}

	k, err := GenerateKeyPair(bits)
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeyPair(k, privateFile, publicFile); err != nil {
		return nil, false, err
	}
	return k, true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
