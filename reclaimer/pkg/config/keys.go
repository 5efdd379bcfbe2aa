package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// DecodePrivateKey accepts a solana-keygen JSON file path, an inline JSON byte array, or a
// base58 string holding either the 64-byte secret key or its 32-byte seed.
func DecodePrivateKey(v string) (solana.PrivateKey, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, errors.New("empty key")
	}
	if strings.HasPrefix(v, "[") {
		return solana.PrivateKeyFromSolanaKeygenFileBytes([]byte(v))
	}
	if _, err := os.Stat(v); err == nil {
		return solana.PrivateKeyFromSolanaKeygenFile(v)
	}

	raw, err := base58.Decode(v)
	if err != nil {
		return nil, fmt.Errorf("key is neither a readable file nor base58: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		raw = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !derived.Equal(ed25519.PrivateKey(raw)) {
			return nil, errors.New("secret key does not match its embedded public key")
		}
	default:
		return nil, fmt.Errorf("invalid key length %d", len(raw))
	}
	key := solana.PrivateKey(raw)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return key, nil
}
