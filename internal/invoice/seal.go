package invoice

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// Derived private keys are sealed before they ever touch the store; the seal
// key lives only in process config, never in redis.

var ErrSealOpen = errors.New("invoice: sealed key cannot be opened")

// SealKey encrypts a private key for at-rest storage. Output is hex of
// nonce||box.
func SealKey(key *[32]byte, plaintext []byte) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("invoice: seal nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)
	return hex.EncodeToString(sealed), nil
}

// OpenKey reverses SealKey.
func OpenKey(key *[32]byte, sealedHex string) ([]byte, error) {
	raw, err := hex.DecodeString(sealedHex)
	if err != nil || len(raw) < 24 {
		return nil, ErrSealOpen
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, key)
	if !ok {
		return nil, ErrSealOpen
	}
	return plain, nil
}
