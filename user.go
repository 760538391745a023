package crypto

import (
	"fmt"
	"sync"
)

// User is a logged-in user on this device, holding its private sign keys.
type User struct {
	id string

	mu       sync.RWMutex
	signKeys []*SignKey // rotation order, newest last
}

// NewUser creates a User with the given sign keys, oldest first.
func NewUser(id string, signKeys ...*SignKey) (*User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: user ID must not be empty", ErrInvalidKeyID)
	}
	u := &User{id: id}
	for _, k := range signKeys {
		if err := u.AddSignKey(k); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// ID returns the user ID.
func (u *User) ID() string {
	return u.id
}

// AddSignKey appends a rotated sign key, making it the newest.
func (u *User) AddSignKey(k *SignKey) error {
	if k == nil {
		return fmt.Errorf("%w: sign key is nil", ErrKeyNotFound)
	}
	if k.UserID != u.id {
		return fmt.Errorf("%w: sign key %q belongs to %q, not %q", ErrInvalidKeyID, k.ID, k.UserID, u.id)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.signKeys = append(u.signKeys, k)
	return nil
}

// NewestSignKey returns the most recently rotated sign key.
func (u *User) NewestSignKey() (*SignKey, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if len(u.signKeys) == 0 {
		return nil, false
	}
	return u.signKeys[len(u.signKeys)-1], true
}

// Destroy wipes all sign keys.
func (u *User) Destroy() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, k := range u.signKeys {
		k.Destroy()
	}
}

// UserStore holds the users logged in on this device.
type UserStore interface {
	// GetUser returns the locally cached user, if any.
	GetUser(userID string) (*User, bool)
}

// Users is an in-memory UserStore. It is safe for concurrent use.
type Users struct {
	mu    sync.RWMutex
	users map[string]*User
}

// Compile-time interface check.
var _ UserStore = (*Users)(nil)

// NewUsers creates an empty user store.
func NewUsers() *Users {
	return &Users{users: make(map[string]*User)}
}

// Add stores u, replacing a previous login of the same user.
func (s *Users) Add(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID()] = u
}

// GetUser returns the user with the given ID.
func (s *Users) GetUser(userID string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	return u, ok
}

// Remove logs the user out and wipes its sign keys.
func (s *Users) Remove(userID string) {
	s.mu.Lock()
	u, ok := s.users[userID]
	delete(s.users, userID)
	s.mu.Unlock()
	if ok {
		u.Destroy()
	}
}
