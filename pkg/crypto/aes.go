package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

// AEAD nonce layout for session traffic: 4 zero bytes followed by a
// 64-bit big-endian counter. The counter is carried on the wire so the
// receiver can reconstruct the nonce and check its replay window.
const GCMNonceSize = 12

// CounterNonce builds a 12-byte GCM nonce from a 64-bit counter
func CounterNonce(counter uint64) []byte {
	nonce := make([]byte, GCMNonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// SealWithCounter encrypts plaintext using AES-256-GCM with an explicit
// counter nonce and additional data. Session traffic uses this form:
// the counter must strictly increase per key and is never reused.
func SealWithCounter(plaintext []byte, key []byte, counter uint64, ad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return gcm.Seal(nil, CounterNonce(counter), plaintext, ad), nil
}

// OpenWithCounter decrypts ciphertext produced by SealWithCounter
func OpenWithCounter(ciphertext []byte, key []byte, counter uint64, ad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, CounterNonce(counter), ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
