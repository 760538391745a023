package crypto

import (
	"context"
	"time"
)

// KeyServer is the remote key server as seen by the cache layer.
// Implementations return ErrNotFound (or an error wrapping it) when the
// requested entity does not exist or is not accessible to the caller.
// Cancellation and timeouts are governed by ctx.
type KeyServer interface {
	// FetchGroup returns a group as seen by userID, including at least its newest key.
	FetchGroup(ctx context.Context, userID, groupID string) (*GroupRecord, error)

	// FetchGroupKey returns one historical key version of a group.
	FetchGroupKey(ctx context.Context, userID, groupID, keyID string) (*GroupKeyRecord, error)

	// FetchPublicUser returns the public part of a user, including known verify keys.
	FetchPublicUser(ctx context.Context, userID string) (*PublicUserRecord, error)

	// FetchVerifyKey returns one verify key of a user.
	FetchVerifyKey(ctx context.Context, userID, keyID string) (*VerifyKeyRecord, error)
}

// AccessKind describes how a user reaches a group's keys.
type AccessKind int

const (
	// AccessDirect means the user is a member and receives plain key material.
	AccessDirect AccessKind = iota

	// AccessParent means the keys are wrapped by keys of the parent group.
	AccessParent

	// AccessConnected means the keys are wrapped by keys of a connected group.
	AccessConnected
)

// String returns the access kind name.
func (a AccessKind) String() string {
	switch a {
	case AccessDirect:
		return "direct"
	case AccessParent:
		return "parent"
	case AccessConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// GroupRecord is a group as delivered by the key server.
type GroupRecord struct {
	GroupID       string
	ParentGroupID string

	// Access is how the requesting user reaches this group's keys.
	Access AccessKind

	// ConnectedGroupID is the group whose keys wrap this group's keys when Access is AccessConnected.
	ConnectedGroupID string

	// Keys holds key versions in rotation order, newest last.
	Keys []GroupKeyRecord
}

// GroupKeyRecord is one group key version as delivered by the key server.
// Exactly one of Material or WrappedMaterial is set.
type GroupKeyRecord struct {
	KeyID     string
	CreatedAt time.Time

	// Material is plain key material for direct members.
	Material []byte

	// WrappedMaterial is key material wrapped with WrapKey by the key WrappingKeyID
	// of the parent or connected group.
	WrappedMaterial []byte
	WrappingKeyID   string
}

// PublicUserRecord is the public part of a user.
type PublicUserRecord struct {
	UserID     string
	VerifyKeys []VerifyKeyRecord
}

// VerifyKeyRecord is a user's public verification key.
type VerifyKeyRecord struct {
	UserID    string
	KeyID     string
	PublicKey []byte
}
