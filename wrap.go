package crypto

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	kwp "github.com/google/tink/go/kwp/subtle"
	"github.com/rbaliyan/config/codec"
)

// SymKeyServerOutput is the server payload for a symmetric key wrapped by a group key.
type SymKeyServerOutput struct {
	KeyID        string    `json:"key_id"`
	MasterKeyID  string    `json:"master_key_id"`
	EncryptedKey []byte    `json:"encrypted_key"`
	CreatedAt    time.Time `json:"created_at"`
}

// ParseSymKeyServerOutput decodes a server payload for a wrapped symmetric key.
func ParseSymKeyServerOutput(serverOutput string) (*SymKeyServerOutput, error) {
	var out SymKeyServerOutput
	if err := codec.JSON().Decode([]byte(serverOutput), &out); err != nil {
		return nil, fmt.Errorf("%w: sym key payload: %v", ErrInvalidFormat, err)
	}
	if out.KeyID == "" || len(out.EncryptedKey) == 0 {
		return nil, fmt.Errorf("%w: sym key payload is missing the key", ErrInvalidFormat)
	}
	return &out, nil
}

// DoneFetchSymKey unwraps a symmetric key delivered by the server with master.
func (p *AEADPrimitives) DoneFetchSymKey(master *SymmetricKey, serverOutput string, nonRegistered bool) (*SymmetricKey, error) {
	out, err := ParseSymKeyServerOutput(serverOutput)
	if err != nil {
		return nil, err
	}
	if master == nil {
		return nil, fmt.Errorf("%w: no master key given", ErrKeyNotFound)
	}
	if out.MasterKeyID != "" && out.MasterKeyID != master.ID {
		return nil, fmt.Errorf("%w: payload wrapped by %q, got %q", ErrKeyNotFound, out.MasterKeyID, master.ID)
	}

	key, err := unwrapKey(master, out.KeyID, out.EncryptedKey)
	if err != nil {
		return nil, err
	}
	key.nonRegistered = nonRegistered
	return key, nil
}

// WrapKey wraps 32 bytes of key material with wrapping using AES-KWP.
func WrapKey(wrapping *SymmetricKey, material []byte) ([]byte, error) {
	if len(material) != aesKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(material))
	}
	kek, err := wrapping.bytes()
	if err != nil {
		return nil, err
	}
	w, err := kwp.NewKWP(kek)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create key wrapper: %w", err)
	}
	return w.Wrap(material)
}

// unwrapKey reverses WrapKey and returns the unwrapped key under id.
func unwrapKey(wrapping *SymmetricKey, id string, wrapped []byte) (*SymmetricKey, error) {
	kek, err := wrapping.bytes()
	if err != nil {
		return nil, err
	}
	w, err := kwp.NewKWP(kek)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create key wrapper: %w", err)
	}
	material, err := w.Unwrap(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap key %q", ErrDecryptionFailed, id)
	}
	defer memguard.WipeBytes(material)
	return NewSymmetricKey(id, material)
}
