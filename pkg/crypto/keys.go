package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// DHKeyPair is an X25519 key pair used for Diffie-Hellman exchanges
type DHKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateDHKeyPair generates a new X25519 key pair
func GenerateDHKeyPair() (*DHKeyPair, error) {
	kp := &DHKeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, err
	}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// DH performs an X25519 Diffie-Hellman operation and returns the
// shared secret. A low-order public key yields an error rather than
// an all-zero secret.
func DH(private [32]byte, public [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, err
	}
	return shared, nil
}

// SigningKeyPair is an Ed25519 key pair used for identity signatures
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair generates a new Ed25519 key pair
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKeyPair{Public: pub, Private: priv}, nil
}

// Sign signs data with an Ed25519 private key
func Sign(kp *SigningKeyPair, data []byte) []byte {
	return ed25519.Sign(kp.Private, data)
}

// VerifySignature verifies an Ed25519 signature
func VerifySignature(public ed25519.PublicKey, data []byte, sig []byte) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(public, data, sig)
}
