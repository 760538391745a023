// Package memory provides an in-memory key server for tests and local development.
//
// The server keeps plain key material in process memory and performs no
// authentication beyond membership checks. It implements crypto.KeyServer.
//
// Usage:
//
//	srv := memory.NewServer()
//	alice, _ := srv.RegisterUser("alice")
//	srv.CreateGroup("team", "alice")
//
//	client, _ := crypto.New(cfg, srv)
//	client.Users().Add(alice)
//	team, _ := client.Group(ctx, "team", "alice")
package memory

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	crypto "github.com/rbaliyan/group-crypto"
)

// Fetch method names, as passed to fetch hooks and Calls.
const (
	MethodFetchGroup      = "FetchGroup"
	MethodFetchGroupKey   = "FetchGroupKey"
	MethodFetchPublicUser = "FetchPublicUser"
	MethodFetchVerifyKey  = "FetchVerifyKey"
)

const keySize = 32

// FetchHook runs before every fetch. A non-nil error fails the fetch.
type FetchHook func(ctx context.Context, method string) error

// Option configures a Server.
type Option func(*Server)

// WithFetchHook installs a hook that runs before every fetch, e.g. to inject
// latency or failures.
func WithFetchHook(hook FetchHook) Option {
	return func(s *Server) {
		s.hook = hook
	}
}

// WithIDGenerator replaces the generator for key IDs. Defaults to random UUIDs.
// The generator must be safe for concurrent use.
func WithIDGenerator(gen func() string) Option {
	return func(s *Server) {
		s.newID = gen
	}
}

// WithFullHistory makes FetchGroup and FetchPublicUser return every key
// version instead of only the newest one.
func WithFullHistory() Option {
	return func(s *Server) {
		s.fullHistory = true
	}
}

type user struct {
	verifyKeys []crypto.VerifyKeyRecord // rotation order, newest last
}

type groupKey struct {
	id        string
	material  []byte
	createdAt time.Time
	revoked   bool
}

type group struct {
	id        string
	parentID  string
	members   map[string]bool
	connected []string // groups whose members reach this group through them
	keys      []*groupKey
}

// Server is an in-memory crypto.KeyServer. It is safe for concurrent use.
type Server struct {
	hook        FetchHook
	fullHistory bool
	newID       func() string

	mu     sync.RWMutex
	users  map[string]*user
	groups map[string]*group
	calls  map[string]int
}

// Compile-time interface check.
var _ crypto.KeyServer = (*Server)(nil)

// NewServer creates an empty server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		users:  make(map[string]*user),
		groups: make(map[string]*group),
		calls:  make(map[string]int),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Calls returns how many times method was called.
func (s *Server) Calls(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[method]
}

// before counts the call and runs the hook.
func (s *Server) before(ctx context.Context, method string) error {
	s.mu.Lock()
	s.calls[method]++
	s.mu.Unlock()

	if s.hook != nil {
		if err := s.hook(ctx, method); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func randomKey(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("memory: failed to generate key: %w", err)
	}
	return b, nil
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{crypto.ErrNotFound}, args...)...)
}
