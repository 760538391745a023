package crypto

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	signature "github.com/google/tink/go/signature/subtle"
)

// SymmetricKey is AES-256 key material held in a locked, read-only buffer.
// The material is never copied out on reads; callers borrow it for the
// duration of a single transform.
type SymmetricKey struct {
	// ID is the key version identifier carried in every envelope head.
	ID string

	nonRegistered bool
	buf           *memguard.LockedBuffer
}

// NewSymmetricKey creates a SymmetricKey from 32 bytes of key material.
// The material is copied internally; the caller may safely zero the original.
func NewSymmetricKey(id string, material []byte) (*SymmetricKey, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: key ID must not be empty", ErrInvalidKeyID)
	}
	if len(material) != aesKeySize {
		return nil, fmt.Errorf("%w: key %q has %d bytes, want %d", ErrInvalidKeySize, id, len(material), aesKeySize)
	}
	b := make([]byte, aesKeySize)
	copy(b, material)
	buf := memguard.NewBufferFromBytes(b)
	buf.Freeze()
	return &SymmetricKey{ID: id, buf: buf}, nil
}

// NonRegistered reports whether the key was delivered out-of-band by the server
// rather than through a group's rotation history.
func (k *SymmetricKey) NonRegistered() bool {
	return k.nonRegistered
}

// bytes borrows the key material. The slice must not be retained or modified.
func (k *SymmetricKey) bytes() ([]byte, error) {
	if k == nil || k.buf == nil || !k.buf.IsAlive() {
		return nil, fmt.Errorf("%w: key material no longer available", ErrStoreDestroyed)
	}
	return k.buf.Bytes(), nil
}

// Destroy wipes the key material. It is safe to call more than once.
func (k *SymmetricKey) Destroy() {
	if k != nil && k.buf != nil {
		k.buf.Destroy()
	}
}

// GroupKey is one version of a group's symmetric key.
type GroupKey struct {
	ID        string
	GroupID   string
	CreatedAt time.Time
	Key       *SymmetricKey
}

func newGroupKey(groupID string, rec *GroupKeyRecord, material []byte) (*GroupKey, error) {
	k, err := NewSymmetricKey(rec.KeyID, material)
	if err != nil {
		return nil, err
	}
	return &GroupKey{ID: rec.KeyID, GroupID: groupID, CreatedAt: rec.CreatedAt, Key: k}, nil
}

// SignKey is a user's private ed25519 signing key.
type SignKey struct {
	ID     string
	UserID string

	seed *memguard.LockedBuffer
}

// NewSignKey creates a SignKey from a 32-byte ed25519 seed.
// The seed is copied internally.
func NewSignKey(userID, id string, seed []byte) (*SignKey, error) {
	if id == "" || userID == "" {
		return nil, fmt.Errorf("%w: sign key and user ID must not be empty", ErrInvalidKeyID)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: sign key %q has %d bytes, want %d", ErrInvalidKeySize, id, len(seed), ed25519.SeedSize)
	}
	b := make([]byte, ed25519.SeedSize)
	copy(b, seed)
	buf := memguard.NewBufferFromBytes(b)
	buf.Freeze()
	return &SignKey{ID: id, UserID: userID, seed: buf}, nil
}

// Sign returns an ed25519 signature over data.
func (k *SignKey) Sign(data []byte) ([]byte, error) {
	if k == nil || k.seed == nil || !k.seed.IsAlive() {
		return nil, fmt.Errorf("%w: sign key material no longer available", ErrStoreDestroyed)
	}
	signer, err := signature.NewED25519Signer(k.seed.Bytes())
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create signer: %w", err)
	}
	return signer.Sign(data)
}

// VerifyKey derives the public verification key for this sign key.
func (k *SignKey) VerifyKey() (*VerifyKey, error) {
	if k == nil || k.seed == nil || !k.seed.IsAlive() {
		return nil, fmt.Errorf("%w: sign key material no longer available", ErrStoreDestroyed)
	}
	priv := ed25519.NewKeyFromSeed(k.seed.Bytes())
	defer memguard.WipeBytes(priv)
	pub := append([]byte(nil), priv.Public().(ed25519.PublicKey)...)
	return &VerifyKey{ID: k.ID, UserID: k.UserID, Public: pub}, nil
}

// Destroy wipes the seed. It is safe to call more than once.
func (k *SignKey) Destroy() {
	if k != nil && k.seed != nil {
		k.seed.Destroy()
	}
}

// VerifyKey is a user's public ed25519 verification key.
// Public keys are immutable once issued.
type VerifyKey struct {
	ID     string
	UserID string
	Public []byte
}

// NewVerifyKey validates and copies a public verification key.
func NewVerifyKey(userID, id string, public []byte) (*VerifyKey, error) {
	if id == "" || userID == "" {
		return nil, fmt.Errorf("%w: verify key and user ID must not be empty", ErrInvalidKeyID)
	}
	if len(public) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: verify key %q has %d bytes, want %d", ErrInvalidKeySize, id, len(public), ed25519.PublicKeySize)
	}
	return &VerifyKey{ID: id, UserID: userID, Public: append([]byte(nil), public...)}, nil
}

// Verify checks sig over data. A mismatch is reported as ErrSignatureInvalid.
func (k *VerifyKey) Verify(sig, data []byte) error {
	verifier, err := signature.NewED25519Verifier(k.Public)
	if err != nil {
		return fmt.Errorf("crypto: failed to create verifier: %w", err)
	}
	if err := verifier.Verify(sig, data); err != nil {
		return fmt.Errorf("%w: key %q of user %q", ErrSignatureInvalid, k.ID, k.UserID)
	}
	return nil
}
