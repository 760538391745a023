package memory

import (
	"context"
	"fmt"

	"github.com/awnumar/memguard"

	crypto "github.com/rbaliyan/group-crypto"
)

// RegisterUser creates a user with a fresh sign key and returns the logged-in
// user record holding the private key. The public key is kept by the server.
func (s *Server) RegisterUser(userID string) (*crypto.User, error) {
	s.mu.Lock()
	if _, ok := s.users[userID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("memory: user %q already exists", userID)
	}
	s.users[userID] = &user{}
	s.mu.Unlock()

	k, err := s.newSignKey(userID)
	if err != nil {
		return nil, err
	}
	return crypto.NewUser(userID, k)
}

// RotateSignKey issues a new sign key for u and makes it u's newest.
// Earlier verify keys stay available.
func (s *Server) RotateSignKey(u *crypto.User) (string, error) {
	k, err := s.newSignKey(u.ID())
	if err != nil {
		return "", err
	}
	if err := u.AddSignKey(k); err != nil {
		return "", err
	}
	return k.ID, nil
}

func (s *Server) newSignKey(userID string) (*crypto.SignKey, error) {
	seed, err := randomKey(keySize)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(seed)

	k, err := crypto.NewSignKey(userID, s.newID(), seed)
	if err != nil {
		return nil, err
	}
	vk, err := k.VerifyKey()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("memory: user %q does not exist", userID)
	}
	u.verifyKeys = append(u.verifyKeys, crypto.VerifyKeyRecord{
		UserID:    userID,
		KeyID:     vk.ID,
		PublicKey: vk.Public,
	})
	return k, nil
}

// DeleteUser removes a user and all its verify keys.
func (s *Server) DeleteUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}

// FetchPublicUser returns a user with its newest verify key, or every verify
// key when the server keeps full history.
func (s *Server) FetchPublicUser(ctx context.Context, userID string) (*crypto.PublicUserRecord, error) {
	if err := s.before(ctx, MethodFetchPublicUser); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, notFound("user %q", userID)
	}

	rec := &crypto.PublicUserRecord{UserID: userID}
	keys := u.verifyKeys
	if !s.fullHistory && len(keys) > 0 {
		keys = keys[len(keys)-1:]
	}
	rec.VerifyKeys = append(rec.VerifyKeys, keys...)
	return rec, nil
}

// FetchVerifyKey returns one verify key of a user.
func (s *Server) FetchVerifyKey(ctx context.Context, userID, keyID string) (*crypto.VerifyKeyRecord, error) {
	if err := s.before(ctx, MethodFetchVerifyKey); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, notFound("user %q", userID)
	}
	for _, vk := range u.verifyKeys {
		if vk.KeyID == keyID {
			rec := vk
			return &rec, nil
		}
	}
	return nil, notFound("verify key %q of user %q", keyID, userID)
}
