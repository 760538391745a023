package crypto

import (
	"context"
	"fmt"
	"sync"
)

// GroupKeyStore holds the key versions of one group known on this device.
// Keys are appended on rotation and never replaced or evicted, so ciphertexts
// produced under any earlier version stay decryptable. Versions that are not
// held locally are fetched through a KeyCache on demand.
//
// GroupKeyStore is safe for concurrent use. Lookups take a read lock;
// inserting a freshly fetched key takes the write lock for the insertion only.
type GroupKeyStore struct {
	groupID string
	fetches *KeyCache[*GroupKey]

	mu        sync.RWMutex
	keys      map[string]*GroupKey
	order     []string // rotation order, oldest first
	newest    *GroupKey
	destroyed bool
}

// NewGroupKeyStore creates an empty store for groupID. Key versions that are
// not held locally are loaded with fetch.
func NewGroupKeyStore(groupID string, fetch FetchFunc[*GroupKey], opts ...Option) (*GroupKeyStore, error) {
	if groupID == "" {
		return nil, fmt.Errorf("%w: group ID must not be empty", ErrInvalidKeyID)
	}
	fetches, err := NewKeyCache("group_keys", fetch, opts...)
	if err != nil {
		return nil, err
	}
	return newGroupKeyStore(groupID, fetches), nil
}

func newGroupKeyStore(groupID string, fetches *KeyCache[*GroupKey]) *GroupKeyStore {
	return &GroupKeyStore{
		groupID: groupID,
		fetches: fetches,
		keys:    make(map[string]*GroupKey),
	}
}

// GroupID returns the ID of the group this store belongs to.
func (s *GroupKeyStore) GroupID() string {
	return s.groupID
}

// Add appends k to the rotation history. When newest is true, k becomes the
// key used for new encryptions. A key ID that is already present keeps its
// existing material.
func (s *GroupKeyStore) Add(k *GroupKey, newest bool) error {
	if k == nil || k.Key == nil {
		return fmt.Errorf("%w: nil group key", ErrKeyNotFound)
	}
	if k.ID == "" {
		return fmt.Errorf("%w: group key ID must not be empty", ErrInvalidKeyID)
	}
	_, err := s.insert(k, newest)
	return err
}

func (s *GroupKeyStore) insert(k *GroupKey, newest bool) (*GroupKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, fmt.Errorf("%w: group %q", ErrStoreDestroyed, s.groupID)
	}
	if existing, ok := s.keys[k.ID]; ok {
		k = existing
	} else {
		s.keys[k.ID] = k
		s.order = append(s.order, k.ID)
	}
	if newest {
		s.newest = k
	}
	return k, nil
}

// NewestKey returns the key used for new encryptions.
// Returns ErrNoGroupKeysFound if no key has been loaded yet.
func (s *GroupKeyStore) NewestKey() (*GroupKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return nil, fmt.Errorf("%w: group %q", ErrStoreDestroyed, s.groupID)
	}
	if s.newest == nil {
		return nil, fmt.Errorf("%w: group %q", ErrNoGroupKeysFound, s.groupID)
	}
	return s.newest, nil
}

// KeyByID returns the key version with the given ID, used for decryption.
// Versions not held locally are fetched and added to the store without
// changing the newest key. Returns ErrKeyNotFound, leaving the store
// unchanged, if the key server does not know the version or denies access.
func (s *GroupKeyStore) KeyByID(ctx context.Context, keyID string) (*GroupKey, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: group key ID must not be empty", ErrInvalidKeyID)
	}

	s.mu.RLock()
	if s.destroyed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: group %q", ErrStoreDestroyed, s.groupID)
	}
	k, ok := s.keys[keyID]
	s.mu.RUnlock()
	if ok {
		return k, nil
	}

	k, err := s.fetches.GetOrFetch(ctx, keyID)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: key %q of group %q: %w", ErrKeyNotFound, keyID, s.groupID, err)
		}
		return nil, err
	}
	return s.insert(k, false)
}

// lookup returns a locally held key without fetching.
func (s *GroupKeyStore) lookup(keyID string) (*GroupKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	return k, ok
}

// Keys returns the locally held key IDs in rotation order, oldest first.
func (s *GroupKeyStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len returns the number of locally held key versions.
func (s *GroupKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Destroy wipes all key material held by the store. Subsequent lookups
// return ErrStoreDestroyed. It is safe to call more than once.
func (s *GroupKeyStore) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.destroyed = true
	for _, k := range s.keys {
		k.Key.Destroy()
	}
	s.fetches.Range(func(_ string, k *GroupKey) bool {
		k.Key.Destroy()
		return true
	})
	s.fetches.Clear()
	s.keys = nil
	s.order = nil
	s.newest = nil
}
