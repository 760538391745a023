package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/config/codec"

	crypto "github.com/rbaliyan/group-crypto"
)

// CreateGroup creates a root group with the given direct members and an
// initial key. It returns the initial key ID.
func (s *Server) CreateGroup(groupID string, members ...string) (string, error) {
	return s.createGroup(groupID, "", members)
}

// CreateChildGroup creates a group below parentID. Members of the parent
// reach the child's keys through the parent's keys.
func (s *Server) CreateChildGroup(parentID, groupID string, members ...string) (string, error) {
	if parentID == "" {
		return "", fmt.Errorf("memory: parent group ID must not be empty")
	}
	return s.createGroup(groupID, parentID, members)
}

func (s *Server) createGroup(groupID, parentID string, members []string) (string, error) {
	if groupID == "" {
		return "", fmt.Errorf("memory: group ID must not be empty")
	}
	k, err := s.newGroupKey()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; ok {
		return "", fmt.Errorf("memory: group %q already exists", groupID)
	}
	if parentID != "" {
		if _, ok := s.groups[parentID]; !ok {
			return "", fmt.Errorf("memory: parent group %q does not exist", parentID)
		}
	}
	g := &group{
		id:       groupID,
		parentID: parentID,
		members:  make(map[string]bool, len(members)),
		keys:     []*groupKey{k},
	}
	for _, m := range members {
		g.members[m] = true
	}
	s.groups[groupID] = g
	return k.id, nil
}

func (s *Server) newGroupKey() (*groupKey, error) {
	material, err := randomKey(keySize)
	if err != nil {
		return nil, err
	}
	return &groupKey{id: s.newID(), material: material, createdAt: time.Now().UTC()}, nil
}

// AddMember makes userID a direct member of groupID.
func (s *Server) AddMember(groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("memory: group %q does not exist", groupID)
	}
	g.members[userID] = true
	return nil
}

// RemoveMember revokes a direct membership.
func (s *Server) RemoveMember(groupID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("memory: group %q does not exist", groupID)
	}
	delete(g.members, userID)
	return nil
}

// ConnectGroup lets members of connectedID reach groupID's keys through
// connectedID's keys.
func (s *Server) ConnectGroup(groupID, connectedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("memory: group %q does not exist", groupID)
	}
	if _, ok := s.groups[connectedID]; !ok {
		return fmt.Errorf("memory: group %q does not exist", connectedID)
	}
	g.connected = append(g.connected, connectedID)
	return nil
}

// DeleteGroup removes a group. Child groups keep pointing at it.
func (s *Server) DeleteGroup(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
}

// RotateGroupKey issues a new key version for groupID and returns its ID.
func (s *Server) RotateGroupKey(groupID string) (string, error) {
	k, err := s.newGroupKey()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return "", fmt.Errorf("memory: group %q does not exist", groupID)
	}
	g.keys = append(g.keys, k)
	return k.id, nil
}

// RevokeKey makes a key version unavailable to every user.
func (s *Server) RevokeKey(groupID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("memory: group %q does not exist", groupID)
	}
	for _, k := range g.keys {
		if k.id == keyID {
			k.revoked = true
			return nil
		}
	}
	return fmt.Errorf("memory: key %q of group %q does not exist", keyID, groupID)
}

// NewestKeyID returns the ID of the newest key of groupID.
func (s *Server) NewestKeyID(groupID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return "", fmt.Errorf("memory: group %q does not exist", groupID)
	}
	return g.keys[len(g.keys)-1].id, nil
}

// NonRegisteredKey issues a one-off symmetric key wrapped by the newest key
// of groupID. It returns the server payload and the plain key for comparison.
func (s *Server) NonRegisteredKey(groupID string) (string, []byte, error) {
	material, err := randomKey(keySize)
	if err != nil {
		return "", nil, err
	}

	s.mu.RLock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.RUnlock()
		return "", nil, fmt.Errorf("memory: group %q does not exist", groupID)
	}
	master := g.keys[len(g.keys)-1]
	s.mu.RUnlock()

	wrapped, err := wrap(master, material)
	if err != nil {
		return "", nil, err
	}
	out, err := codec.JSON().Encode(crypto.SymKeyServerOutput{
		KeyID:        s.newID(),
		MasterKeyID:  master.id,
		EncryptedKey: wrapped,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("memory: failed to encode sym key: %w", err)
	}
	return string(out), material, nil
}

func wrap(wrapping *groupKey, material []byte) ([]byte, error) {
	k, err := crypto.NewSymmetricKey(wrapping.id, wrapping.material)
	if err != nil {
		return nil, err
	}
	defer k.Destroy()
	return crypto.WrapKey(k, material)
}

// route describes how a user reaches a group.
type route struct {
	access crypto.AccessKind
	via    *group
}

// routeTo finds how userID reaches g. Callers must hold s.mu.
func (s *Server) routeTo(userID string, g *group, seen map[string]bool) (route, bool) {
	if seen[g.id] {
		return route{}, false
	}
	seen[g.id] = true

	if g.members[userID] {
		return route{access: crypto.AccessDirect}, true
	}
	if parent, ok := s.groups[g.parentID]; ok {
		if _, ok := s.routeTo(userID, parent, seen); ok {
			return route{access: crypto.AccessParent, via: parent}, true
		}
	}
	for _, id := range g.connected {
		if c, ok := s.groups[id]; ok {
			if _, ok := s.routeTo(userID, c, seen); ok {
				return route{access: crypto.AccessConnected, via: c}, true
			}
		}
	}
	return route{}, false
}

// record builds the key record a user with route r receives for k.
func record(r route, k *groupKey) (crypto.GroupKeyRecord, error) {
	rec := crypto.GroupKeyRecord{KeyID: k.id, CreatedAt: k.createdAt}
	if r.access == crypto.AccessDirect {
		rec.Material = append([]byte(nil), k.material...)
		return rec, nil
	}
	wrapping := r.via.keys[len(r.via.keys)-1]
	wrapped, err := wrap(wrapping, k.material)
	if err != nil {
		return crypto.GroupKeyRecord{}, err
	}
	rec.WrappedMaterial = wrapped
	rec.WrappingKeyID = wrapping.id
	return rec, nil
}

// FetchGroup returns groupID as seen by userID with its newest key, or every
// key when the server keeps full history.
func (s *Server) FetchGroup(ctx context.Context, userID, groupID string) (*crypto.GroupRecord, error) {
	if err := s.before(ctx, MethodFetchGroup); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, notFound("group %q", groupID)
	}
	r, ok := s.routeTo(userID, g, map[string]bool{})
	if !ok {
		return nil, notFound("group %q for user %q", groupID, userID)
	}

	rec := &crypto.GroupRecord{GroupID: g.id, ParentGroupID: g.parentID, Access: r.access}
	if r.access == crypto.AccessConnected {
		rec.ConnectedGroupID = r.via.id
	}
	keys := g.keys
	if !s.fullHistory {
		keys = keys[len(keys)-1:]
	}
	for _, k := range keys {
		if k.revoked {
			continue
		}
		kr, err := record(r, k)
		if err != nil {
			return nil, err
		}
		rec.Keys = append(rec.Keys, kr)
	}
	return rec, nil
}

// FetchGroupKey returns one key version of groupID as seen by userID.
func (s *Server) FetchGroupKey(ctx context.Context, userID, groupID, keyID string) (*crypto.GroupKeyRecord, error) {
	if err := s.before(ctx, MethodFetchGroupKey); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, notFound("group %q", groupID)
	}
	r, ok := s.routeTo(userID, g, map[string]bool{})
	if !ok {
		return nil, notFound("group %q for user %q", groupID, userID)
	}
	for _, k := range g.keys {
		if k.id == keyID && !k.revoked {
			rec, err := record(r, k)
			if err != nil {
				return nil, err
			}
			return &rec, nil
		}
	}
	return nil, notFound("key %q of group %q", keyID, groupID)
}
