package crypto

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Group encrypts and decrypts payloads with a group's keys on behalf of one
// acting user. New payloads always use the newest key; decryption resolves
// the exact key version named in the payload's head, fetching it if it is not
// held locally, so payloads stay decryptable across key rotation.
//
// Group is safe for concurrent use. Operations never modify the data passed in.
type Group struct {
	id           string
	parentID     string
	connectedID  string
	access       AccessKind
	actingUserID string

	client *Client
	keys   *GroupKeyStore
	logger logrus.FieldLogger
}

// ID returns the group ID.
func (g *Group) ID() string {
	return g.id
}

// ParentID returns the parent group ID, or "" for a root group.
func (g *Group) ParentID() string {
	return g.parentID
}

// Access returns how the acting user reaches this group's keys.
func (g *Group) Access() AccessKind {
	return g.access
}

// ActingUserID returns the user this group is used by.
func (g *Group) ActingUserID() string {
	return g.actingUserID
}

// Keys returns the group's key store.
func (g *Group) Keys() *GroupKeyStore {
	return g.keys
}

// EncryptRaw encrypts data with the newest group key, optionally signed with
// the acting user's newest sign key, and returns the head and body separately.
func (g *Group) EncryptRaw(ctx context.Context, data []byte, sign bool) (head Head, out []byte, err error) {
	_, span := g.client.tel.startOp(ctx, "EncryptRaw", g.id)
	defer func() { endSpan(span, err) }()
	return g.encryptRaw(data, nil, sign)
}

// DecryptRaw decrypts a body produced by EncryptRaw. When verify is true the
// signature is checked against the signer's verify key; userID, when not
// empty, pins the signer instead of the one named in the head.
func (g *Group) DecryptRaw(ctx context.Context, head Head, data []byte, verify bool, userID string) (out []byte, err error) {
	ctx, span := g.client.tel.startOp(ctx, "DecryptRaw", g.id)
	defer func() { endSpan(span, err) }()
	return g.decryptRaw(ctx, head, data, nil, verify, userID)
}

// EncryptRawWithAAD is EncryptRaw with additional authenticated data.
func (g *Group) EncryptRawWithAAD(ctx context.Context, data, aad []byte, sign bool) (head Head, out []byte, err error) {
	_, span := g.client.tel.startOp(ctx, "EncryptRawWithAAD", g.id)
	defer func() { endSpan(span, err) }()
	return g.encryptRaw(data, nonNil(aad), sign)
}

// DecryptRawWithAAD is DecryptRaw with additional authenticated data.
func (g *Group) DecryptRawWithAAD(ctx context.Context, head Head, data, aad []byte, verify bool, userID string) (out []byte, err error) {
	ctx, span := g.client.tel.startOp(ctx, "DecryptRawWithAAD", g.id)
	defer func() { endSpan(span, err) }()
	return g.decryptRaw(ctx, head, data, nonNil(aad), verify, userID)
}

// Encrypt encrypts data into bytes that embed the head.
func (g *Group) Encrypt(ctx context.Context, data []byte, sign bool) (out []byte, err error) {
	_, span := g.client.tel.startOp(ctx, "Encrypt", g.id)
	defer func() { endSpan(span, err) }()
	return g.encrypt(data, nil, sign)
}

// Decrypt decrypts bytes produced by Encrypt. Malformed input fails with
// ErrInvalidFormat before any key is resolved.
func (g *Group) Decrypt(ctx context.Context, data []byte, verify bool, userID string) (out []byte, err error) {
	ctx, span := g.client.tel.startOp(ctx, "Decrypt", g.id)
	defer func() { endSpan(span, err) }()
	return g.decrypt(ctx, data, nil, verify, userID)
}

// EncryptWithAAD is Encrypt with additional authenticated data.
func (g *Group) EncryptWithAAD(ctx context.Context, data, aad []byte, sign bool) (out []byte, err error) {
	_, span := g.client.tel.startOp(ctx, "EncryptWithAAD", g.id)
	defer func() { endSpan(span, err) }()
	return g.encrypt(data, nonNil(aad), sign)
}

// DecryptWithAAD is Decrypt with additional authenticated data.
func (g *Group) DecryptWithAAD(ctx context.Context, data, aad []byte, verify bool, userID string) (out []byte, err error) {
	ctx, span := g.client.tel.startOp(ctx, "DecryptWithAAD", g.id)
	defer func() { endSpan(span, err) }()
	return g.decrypt(ctx, data, nonNil(aad), verify, userID)
}

// EncryptString encrypts a string into a self-describing encoded string.
func (g *Group) EncryptString(ctx context.Context, data string, sign bool) (out string, err error) {
	_, span := g.client.tel.startOp(ctx, "EncryptString", g.id)
	defer func() { endSpan(span, err) }()
	return g.encryptString(data, nil, sign)
}

// DecryptString decrypts a string produced by EncryptString.
func (g *Group) DecryptString(ctx context.Context, data string, verify bool, userID string) (out string, err error) {
	ctx, span := g.client.tel.startOp(ctx, "DecryptString", g.id)
	defer func() { endSpan(span, err) }()
	return g.decryptString(ctx, data, nil, verify, userID)
}

// EncryptStringWithAAD is EncryptString with additional authenticated data.
func (g *Group) EncryptStringWithAAD(ctx context.Context, data, aad string, sign bool) (out string, err error) {
	_, span := g.client.tel.startOp(ctx, "EncryptStringWithAAD", g.id)
	defer func() { endSpan(span, err) }()
	return g.encryptString(data, []byte(aad), sign)
}

// DecryptStringWithAAD is DecryptString with additional authenticated data.
func (g *Group) DecryptStringWithAAD(ctx context.Context, data, aad string, verify bool, userID string) (out string, err error) {
	ctx, span := g.client.tel.startOp(ctx, "DecryptStringWithAAD", g.id)
	defer func() { endSpan(span, err) }()
	return g.decryptString(ctx, data, []byte(aad), verify, userID)
}

// NonRegisteredKey unwraps a symmetric key the server delivered out-of-band,
// wrapped by the group key masterKeyID. The result is marked non-registered
// and is not added to the group's rotation history.
func (g *Group) NonRegisteredKey(ctx context.Context, masterKeyID, serverOutput string) (key *SymmetricKey, err error) {
	ctx, span := g.client.tel.startOp(ctx, "NonRegisteredKey", g.id)
	defer func() { endSpan(span, err) }()

	master, err := g.keys.KeyByID(ctx, masterKeyID)
	if err != nil {
		return nil, err
	}
	return g.client.prims.DoneFetchSymKey(master.Key, serverOutput, true)
}

// SyncKeys fetches the group again and appends key versions rotated in since
// it was loaded. The newest key reported by the server becomes the key for
// new encryptions; older versions are kept.
func (g *Group) SyncKeys(ctx context.Context) (err error) {
	ctx, span := g.client.tel.startOp(ctx, "SyncKeys", g.id)
	defer func() { endSpan(span, err) }()

	rec, err := g.client.server.FetchGroup(ctx, g.actingUserID, g.id)
	if err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("%w: %q: %w", ErrGroupNotFound, g.id, err)
		}
		return err
	}
	return g.addRecords(ctx, rec.Keys)
}

func (g *Group) encryptRaw(data, aad []byte, sign bool) (Head, []byte, error) {
	mode, key, err := g.encryptionKeys(sign)
	if err != nil {
		return Head{}, nil, err
	}
	return g.client.prims.EncryptRaw(key, data, aad, mode)
}

func (g *Group) decryptRaw(ctx context.Context, head Head, data, aad []byte, verify bool, userID string) ([]byte, error) {
	key, verifyKey, err := g.decryptionKeys(ctx, head, verify, userID)
	if err != nil {
		return nil, err
	}
	return g.client.prims.DecryptRaw(key, head, data, aad, verifyKey)
}

func (g *Group) encrypt(data, aad []byte, sign bool) ([]byte, error) {
	mode, key, err := g.encryptionKeys(sign)
	if err != nil {
		return nil, err
	}
	return g.client.prims.Encrypt(key, data, aad, mode)
}

func (g *Group) decrypt(ctx context.Context, data, aad []byte, verify bool, userID string) ([]byte, error) {
	head, _, err := g.client.prims.SplitHead(data)
	if err != nil {
		return nil, err
	}
	key, verifyKey, err := g.decryptionKeys(ctx, head, verify, userID)
	if err != nil {
		return nil, err
	}
	return g.client.prims.Decrypt(key, data, aad, verifyKey)
}

func (g *Group) encryptString(data string, aad []byte, sign bool) (string, error) {
	mode, key, err := g.encryptionKeys(sign)
	if err != nil {
		return "", err
	}
	return g.client.prims.EncryptString(key, data, aad, mode)
}

func (g *Group) decryptString(ctx context.Context, data string, aad []byte, verify bool, userID string) (string, error) {
	head, err := g.client.prims.SplitHeadString(data)
	if err != nil {
		return "", err
	}
	key, verifyKey, err := g.decryptionKeys(ctx, head, verify, userID)
	if err != nil {
		return "", err
	}
	return g.client.prims.DecryptString(key, data, aad, verifyKey)
}

// encryptionKeys resolves the signing mode and the newest group key.
func (g *Group) encryptionKeys(sign bool) (SigningMode, *SymmetricKey, error) {
	mode, err := g.signingMode(sign)
	if err != nil {
		return SigningMode{}, nil, err
	}
	k, err := g.keys.NewestKey()
	if err != nil {
		return SigningMode{}, nil, err
	}
	return mode, k.Key, nil
}

func (g *Group) signingMode(sign bool) (SigningMode, error) {
	if !sign {
		return NoSigning(), nil
	}
	u, ok := g.client.users.GetUser(g.actingUserID)
	if !ok {
		return SigningMode{}, fmt.Errorf("%w: %q is not logged in", ErrUserNotFound, g.actingUserID)
	}
	k, ok := u.NewestSignKey()
	if !ok {
		return SigningMode{}, fmt.Errorf("%w: user %q has no sign key", ErrKeyNotFound, g.actingUserID)
	}
	return SignWith(k), nil
}

// decryptionKeys resolves the group key named by head and, when verify is
// true, the signer's verify key. The two lookups are independent.
func (g *Group) decryptionKeys(ctx context.Context, head Head, verify bool, userID string) (*SymmetricKey, *VerifyKey, error) {
	k, err := g.keys.KeyByID(ctx, head.KeyID)
	if err != nil {
		return nil, nil, err
	}
	verifyKey, err := g.client.verify.Resolve(ctx, head, verify, userID)
	if err != nil {
		return nil, nil, err
	}
	return k.Key, verifyKey, nil
}

// addRecords appends key records in rotation order; the last one is the newest.
func (g *Group) addRecords(ctx context.Context, recs []GroupKeyRecord) error {
	for i := range recs {
		rec := &recs[i]
		newest := i == len(recs)-1
		k, ok := g.keys.lookup(rec.KeyID)
		if !ok {
			var err error
			if k, err = g.materialize(ctx, rec); err != nil {
				return err
			}
		}
		if err := g.keys.Add(k, newest); err != nil {
			return err
		}
	}
	return nil
}

// materialize turns a key record into a usable key, unwrapping it with a key
// of the parent or connected group when the user is not a direct member.
func (g *Group) materialize(ctx context.Context, rec *GroupKeyRecord) (*GroupKey, error) {
	switch {
	case len(rec.Material) > 0:
		return newGroupKey(g.id, rec, rec.Material)
	case len(rec.WrappedMaterial) > 0:
		wrapping, err := g.wrappingKey(ctx, rec.WrappingKeyID)
		if err != nil {
			return nil, err
		}
		k, err := unwrapKey(wrapping.Key, rec.KeyID, rec.WrappedMaterial)
		if err != nil {
			return nil, err
		}
		return &GroupKey{ID: rec.KeyID, GroupID: g.id, CreatedAt: rec.CreatedAt, Key: k}, nil
	default:
		return nil, fmt.Errorf("%w: key %q of group %q carries no material", ErrInvalidFormat, rec.KeyID, g.id)
	}
}

// wrappingKey resolves the key of the group through which the acting user
// reaches this group's keys.
func (g *Group) wrappingKey(ctx context.Context, keyID string) (*GroupKey, error) {
	var viaID string
	var errGroup, errKey error
	switch g.access {
	case AccessParent:
		viaID, errGroup, errKey = g.parentID, ErrParentGroupNotFoundButRequired, ErrParentGroupKeyNotFoundButRequired
	case AccessConnected:
		viaID, errGroup, errKey = g.connectedID, ErrConnectedGroupNotFoundButRequired, ErrConnectedGroupKeyNotFoundButRequired
	default:
		return nil, fmt.Errorf("%w: wrapped key in group %q with %s access", ErrInvalidFormat, g.id, g.access)
	}
	if viaID == "" {
		return nil, fmt.Errorf("%w: group %q names none", errGroup, g.id)
	}

	via, err := g.client.Group(ctx, viaID, g.actingUserID)
	if err != nil {
		if IsGroupNotFound(err) {
			return nil, fmt.Errorf("%w: %q: %v", errGroup, viaID, err)
		}
		return nil, err
	}
	k, err := via.keys.KeyByID(ctx, keyID)
	if err != nil {
		if IsKeyNotFound(err) {
			return nil, fmt.Errorf("%w: key %q of group %q: %v", errKey, keyID, viaID, err)
		}
		return nil, err
	}
	return k, nil
}

// nonNil keeps an empty AAD distinct from "no AAD" for the primitives.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
