package clients

import (
	"context"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Signer holds the vault key. Implementations may live outside the process.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// KeypairSigner signs with an in-memory ed25519 key.
type KeypairSigner struct {
	key solana.PrivateKey
}

var _ Signer = (*KeypairSigner)(nil)

// NewKeypairSigner loads a base58-encoded secret key.
func NewKeypairSigner(secret string) (*KeypairSigner, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("vault private key is empty")
	}
	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid vault private key: %w", err)
	}
	return &KeypairSigner{key: key}, nil
}

// NewKeypairSignerFromKey wraps an already decoded key.
func NewKeypairSignerFromKey(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *KeypairSigner) SignTransaction(_ context.Context, tx *solana.Transaction) error {
	pub := s.key.PublicKey()
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}
