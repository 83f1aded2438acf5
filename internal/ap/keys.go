package ap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeyPair holds the RSA key pair a local user signs HTTP requests with.
// Generated eagerly at registration; the PEMs are what the users table stores.
type KeyPair struct {
	Private    *rsa.PrivateKey
	Public     *rsa.PublicKey
	PublicPEM  string
	PrivatePEM string
}

// GenerateKeyPair creates a fresh RSA key pair of the given bit size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits < 2048 {
		bits = 2048
	}
	privKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(privKey)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return &KeyPair{
		Private:    privKey,
		Public:     &privKey.PublicKey,
		PublicPEM:  string(pubPEM),
		PrivatePEM: string(privPEM),
	}, nil
}

// ParseKeyPair reconstructs a KeyPair from stored PEMs.
func ParseKeyPair(privPEM, pubPEM string) (*KeyPair, error) {
	privKey, err := ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return nil, err
	}
	pubKey, err := ParsePublicKeyPEM(pubPEM)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Private:    privKey,
		Public:     pubKey,
		PublicPEM:  pubPEM,
		PrivatePEM: privPEM,
	}, nil
}
