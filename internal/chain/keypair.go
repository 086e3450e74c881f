package chain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const escrowDomain = "|escrow|"

// Keypair is an ed25519 signing key addressed by the base58 encoding of its public key.
type Keypair struct {
	Private ed25519.PrivateKey
}

func (k Keypair) Public() ed25519.PublicKey {
	if len(k.Private) != ed25519.PrivateKeySize {
		return nil
	}
	return k.Private.Public().(ed25519.PublicKey)
}

func (k Keypair) Address() string {
	pub := k.Public()
	if pub == nil {
		return ""
	}
	return base58.Encode(pub)
}

// DeriveEscrow maps (seed, sessionID) to the session's escrow keypair. The same inputs always
// produce the same key, so no escrow secret is ever stored.
func DeriveEscrow(seed []byte, sessionID string) Keypair {
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(escrowDomain))
	h.Write([]byte(sessionID))
	return Keypair{Private: ed25519.NewKeyFromSeed(h.Sum(nil))}
}

// ParseKeypair decodes a base58 secret key: either a 64-byte ed25519 private key or a 32-byte
// seed.
func ParseKeypair(s string) (Keypair, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Keypair{}, fmt.Errorf("decode keypair: %w", err)
	}
	switch len(b) {
	case ed25519.PrivateKeySize:
		return Keypair{Private: ed25519.PrivateKey(b)}, nil
	case ed25519.SeedSize:
		return Keypair{Private: ed25519.NewKeyFromSeed(b)}, nil
	}
	return Keypair{}, errors.New("keypair must be 32 or 64 bytes")
}

// ValidAddress reports whether addr decodes to a 32-byte public key.
func ValidAddress(addr string) bool {
	b, err := base58.Decode(addr)
	return err == nil && len(b) == ed25519.PublicKeySize
}
