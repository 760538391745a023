package crypto

import (
	"context"
	"fmt"
)

// PublicUser is the public part of another user: the verify keys they have
// signed with. Verify keys are cached for the lifetime of the PublicUser.
type PublicUser struct {
	id   string
	keys *KeyCache[*VerifyKey]
}

// ID returns the user ID.
func (u *PublicUser) ID() string {
	return u.id
}

// VerifyKey returns the verify key with the given ID, fetching it if needed.
func (u *PublicUser) VerifyKey(ctx context.Context, keyID string) (*VerifyKey, error) {
	k, err := u.keys.GetOrFetch(ctx, keyID)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: verify key %q of user %q: %w", ErrKeyNotFound, keyID, u.id, err)
		}
		return nil, err
	}
	return k, nil
}

// VerifyKeyResolver resolves the verify key a payload was signed with.
// It is safe for concurrent use.
type VerifyKeyResolver struct {
	users *KeyCache[*PublicUser]
}

// NewVerifyKeyResolver creates a resolver that loads users and verify keys from server.
func NewVerifyKeyResolver(server KeyServer, opts ...Option) (*VerifyKeyResolver, error) {
	if server == nil {
		return nil, fmt.Errorf("%w: key server is nil", ErrInvalidConfig)
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	tel, err := newTelemetry(o)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to set up telemetry: %w", err)
	}
	return newVerifyKeyResolver(server, o, tel), nil
}

func newVerifyKeyResolver(server KeyServer, o *options, tel *telemetry) *VerifyKeyResolver {
	fetchUser := func(ctx context.Context, userID string) (*PublicUser, error) {
		rec, err := server.FetchPublicUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		fetchKey := func(ctx context.Context, keyID string) (*VerifyKey, error) {
			rec, err := server.FetchVerifyKey(ctx, userID, keyID)
			if err != nil {
				return nil, err
			}
			if rec.KeyID != keyID {
				return nil, fmt.Errorf("%w: asked for verify key %q, got %q", ErrInvalidFormat, keyID, rec.KeyID)
			}
			return NewVerifyKey(userID, rec.KeyID, rec.PublicKey)
		}
		u := &PublicUser{id: userID, keys: newKeyCache("verify_keys", fetchKey, o, tel)}
		for _, vk := range rec.VerifyKeys {
			k, err := NewVerifyKey(userID, vk.KeyID, vk.PublicKey)
			if err != nil {
				return nil, err
			}
			u.keys.Set(k.ID, k)
		}
		return u, nil
	}
	return &VerifyKeyResolver{users: newKeyCache("public_users", fetchUser, o, tel)}
}

// Resolve returns the verify key for a payload with the given head.
//
// When verify is false it returns nil without any lookup, and any signature in
// the payload is ignored. Otherwise the signer is userID when given, else the
// signer named by the head; ErrUserNotFound is returned if neither is known
// and ErrNotSigned if the head carries no signature. Whether the signature
// matches is decided by the primitives, not here.
func (r *VerifyKeyResolver) Resolve(ctx context.Context, head Head, verify bool, userID string) (*VerifyKey, error) {
	if !verify {
		return nil, nil
	}
	if !head.Signed() {
		return nil, fmt.Errorf("%w: key %q", ErrNotSigned, head.KeyID)
	}

	signer := userID
	if signer == "" {
		signer = head.SignerUserID
	}
	if signer == "" {
		return nil, fmt.Errorf("%w: no signer user ID", ErrUserNotFound)
	}

	u, err := r.users.GetOrFetch(ctx, signer)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %q: %w", ErrUserNotFound, signer, err)
		}
		return nil, err
	}
	return u.VerifyKey(ctx, head.SignKeyID)
}

// Invalidate drops a cached user and its verify keys.
func (r *VerifyKeyResolver) Invalidate(userID string) {
	r.users.Invalidate(userID)
}

// Clear drops every cached user.
func (r *VerifyKeyResolver) Clear() {
	r.users.Clear()
}
