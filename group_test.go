package crypto_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"pgregory.net/rapid"

	crypto "github.com/rbaliyan/group-crypto"
	"github.com/rbaliyan/group-crypto/memory"
)

var testConfig = crypto.Config{BaseURL: "https://keys.example.com", AppToken: "app-token"}

// sequentialIDs returns a generator for k1, k2, ...
func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return "k" + strconv.FormatInt(n.Add(1), 10)
	}
}

type testEnv struct {
	srv    *memory.Server
	client *crypto.Client
}

func newEnv(t *testing.T, opts ...memory.Option) *testEnv {
	t.Helper()
	srv := memory.NewServer(append([]memory.Option{memory.WithIDGenerator(sequentialIDs())}, opts...)...)
	return &testEnv{srv: srv, client: newClient(t, srv)}
}

func newClient(t *testing.T, srv crypto.KeyServer, opts ...crypto.Option) *crypto.Client {
	t.Helper()
	opts = append([]crypto.Option{
		crypto.WithTracerProvider(tracenoop.NewTracerProvider()),
		crypto.WithMeterProvider(metricnoop.NewMeterProvider()),
	}, opts...)
	c, err := crypto.New(testConfig, srv, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// login registers userID with the server and logs it in on the client.
func (e *testEnv) login(t *testing.T, userID string) *crypto.User {
	t.Helper()
	u, err := e.srv.RegisterUser(userID)
	require.NoError(t, err)
	e.client.Users().Add(u)
	return u
}

func (e *testEnv) group(t *testing.T, groupID, userID string) *crypto.Group {
	t.Helper()
	g, err := e.client.Group(context.Background(), groupID, userID)
	require.NoError(t, err)
	return g
}

// hidingServer reports one group as missing.
type hidingServer struct {
	*memory.Server
	hidden string
}

func (s hidingServer) FetchGroup(ctx context.Context, userID, groupID string) (*crypto.GroupRecord, error) {
	if groupID == s.hidden {
		return nil, fmt.Errorf("%w: group %q is hidden", crypto.ErrNotFound, groupID)
	}
	return s.Server.FetchGroup(ctx, userID, groupID)
}

func TestGroupSignedRawScenario(t *testing.T) {
	e := newEnv(t)
	keyID, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	require.Equal(t, "k1", keyID)
	e.login(t, "alice")
	g := e.group(t, "team", "alice")
	ctx := context.Background()

	head, body, err := g.EncryptRaw(ctx, []byte("hello"), true)
	require.NoError(t, err)
	require.Equal(t, "k1", head.KeyID)
	require.Equal(t, "alice", head.SignerUserID)
	require.True(t, head.Signed())

	got, err := g.DecryptRaw(ctx, head, body, true, "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		out, err := g.DecryptRaw(ctx, head, tampered, true, "alice")
		require.Error(t, err, "byte %d", i)
		require.Nil(t, out)
		require.True(t, crypto.IsSignatureInvalid(err), "byte %d: %v", i, err)
	}

	tampered := append([]byte(nil), body...)
	tampered[0] ^= 0x01
	_, err = g.DecryptRaw(ctx, head, tampered, false, "")
	require.True(t, crypto.IsDecryptionFailed(err))
}

func TestGroupRoundTripProperty(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	e.login(t, "alice")
	g := e.group(t, "team", "alice")
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(rt, "data")
		aad := rapid.SliceOf(rapid.Byte()).Draw(rt, "aad")
		text := rapid.String().Draw(rt, "text")
		sign := rapid.Bool().Draw(rt, "sign")

		switch rapid.IntRange(0, 5).Draw(rt, "shape") {
		case 0:
			head, body, err := g.EncryptRaw(ctx, data, sign)
			if err != nil {
				rt.Fatalf("EncryptRaw: %v", err)
			}
			got, err := g.DecryptRaw(ctx, head, body, sign, "")
			if err != nil || !bytes.Equal(got, data) {
				rt.Fatalf("DecryptRaw: got %q, %v", got, err)
			}
		case 1:
			head, body, err := g.EncryptRawWithAAD(ctx, data, aad, sign)
			if err != nil {
				rt.Fatalf("EncryptRawWithAAD: %v", err)
			}
			got, err := g.DecryptRawWithAAD(ctx, head, body, aad, sign, "")
			if err != nil || !bytes.Equal(got, data) {
				rt.Fatalf("DecryptRawWithAAD: got %q, %v", got, err)
			}
		case 2:
			out, err := g.Encrypt(ctx, data, sign)
			if err != nil {
				rt.Fatalf("Encrypt: %v", err)
			}
			got, err := g.Decrypt(ctx, out, sign, "")
			if err != nil || !bytes.Equal(got, data) {
				rt.Fatalf("Decrypt: got %q, %v", got, err)
			}
		case 3:
			out, err := g.EncryptWithAAD(ctx, data, aad, sign)
			if err != nil {
				rt.Fatalf("EncryptWithAAD: %v", err)
			}
			got, err := g.DecryptWithAAD(ctx, out, aad, sign, "")
			if err != nil || !bytes.Equal(got, data) {
				rt.Fatalf("DecryptWithAAD: got %q, %v", got, err)
			}
		case 4:
			out, err := g.EncryptString(ctx, text, sign)
			if err != nil {
				rt.Fatalf("EncryptString: %v", err)
			}
			got, err := g.DecryptString(ctx, out, sign, "")
			if err != nil || got != text {
				rt.Fatalf("DecryptString: got %q, %v", got, err)
			}
		case 5:
			out, err := g.EncryptStringWithAAD(ctx, text, string(aad), sign)
			if err != nil {
				rt.Fatalf("EncryptStringWithAAD: %v", err)
			}
			got, err := g.DecryptStringWithAAD(ctx, out, string(aad), sign, "")
			if err != nil || got != text {
				rt.Fatalf("DecryptStringWithAAD: got %q, %v", got, err)
			}
		}
	})
}

func TestGroupAADMismatch(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	g := e.group(t, "team", "alice")
	ctx := context.Background()

	out, err := g.EncryptWithAAD(ctx, []byte("payload"), []byte("row-1"), false)
	require.NoError(t, err)
	_, err = g.DecryptWithAAD(ctx, out, []byte("row-2"), false, "")
	require.True(t, crypto.IsDecryptionFailed(err))
	_, err = g.Decrypt(ctx, out, false, "")
	require.True(t, crypto.IsDecryptionFailed(err))

	s, err := g.EncryptStringWithAAD(ctx, "payload", "row-1", false)
	require.NoError(t, err)
	_, err = g.DecryptStringWithAAD(ctx, s, "row-2", false, "")
	require.True(t, crypto.IsDecryptionFailed(err))
}

func TestGroupDecryptMalformed(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	g := e.group(t, "team", "alice")
	ctx := context.Background()

	_, err = g.Decrypt(ctx, []byte("garbage"), false, "")
	require.True(t, crypto.IsInvalidFormat(err))
	_, err = g.DecryptString(ctx, "%%%", false, "")
	require.True(t, crypto.IsInvalidFormat(err))
	require.Zero(t, e.srv.Calls(memory.MethodFetchGroupKey))
}

func TestGroupKeyRotation(t *testing.T) {
	e := newEnv(t)
	v1, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	g := e.group(t, "team", "alice")
	ctx := context.Background()

	old, err := g.Encrypt(ctx, []byte("under v1"), false)
	require.NoError(t, err)

	v2, err := e.srv.RotateGroupKey("team")
	require.NoError(t, err)
	require.NoError(t, g.SyncKeys(ctx))
	newest, err := g.Keys().NewestKey()
	require.NoError(t, err)
	require.Equal(t, v2, newest.ID)
	require.Equal(t, []string{v1, v2}, g.Keys().Keys())

	current, err := g.Encrypt(ctx, []byte("under v2"), false)
	require.NoError(t, err)
	head, _, err := crypto.NewAEADPrimitives().SplitHead(current)
	require.NoError(t, err)
	require.Equal(t, v2, head.KeyID)

	got, err := g.Decrypt(ctx, old, false, "")
	require.NoError(t, err)
	require.Equal(t, []byte("under v1"), got)

	// A second device that only ever saw v2 resolves v1 through the key server.
	other := newClient(t, e.srv)
	g2, err := other.Group(ctx, "team", "alice")
	require.NoError(t, err)
	require.Equal(t, []string{v2}, g2.Keys().Keys())

	got, err = g2.Decrypt(ctx, old, false, "")
	require.NoError(t, err)
	require.Equal(t, []byte("under v1"), got)
	require.Equal(t, 1, e.srv.Calls(memory.MethodFetchGroupKey))

	newest, err = g2.Keys().NewestKey()
	require.NoError(t, err)
	require.Equal(t, v2, newest.ID)

	_, err = g2.Decrypt(ctx, old, false, "")
	require.NoError(t, err)
	require.Equal(t, 1, e.srv.Calls(memory.MethodFetchGroupKey))
}

func TestGroupMissingKeyLeavesStoreUnchanged(t *testing.T) {
	e := newEnv(t)
	v1, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	g := e.group(t, "team", "alice")
	ctx := context.Background()

	old, err := g.Encrypt(ctx, []byte("under v1"), false)
	require.NoError(t, err)
	_, err = e.srv.RotateGroupKey("team")
	require.NoError(t, err)
	require.NoError(t, e.srv.RevokeKey("team", v1))

	other := newClient(t, e.srv)
	g2, err := other.Group(ctx, "team", "alice")
	require.NoError(t, err)
	before := g2.Keys().Keys()

	_, err = g2.Decrypt(ctx, old, false, "")
	require.True(t, crypto.IsKeyNotFound(err))
	require.Equal(t, before, g2.Keys().Keys())
}

func TestGroupVerificationGating(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.CreateGroup("team", "alice", "bob")
	require.NoError(t, err)
	e.login(t, "alice")
	g := e.group(t, "team", "alice")
	ctx := context.Background()

	signed, err := g.Encrypt(ctx, []byte("signed"), true)
	require.NoError(t, err)

	bob := newClient(t, e.srv)
	gb, err := bob.Group(ctx, "team", "bob")
	require.NoError(t, err)

	got, err := gb.Decrypt(ctx, signed, false, "")
	require.NoError(t, err)
	require.Equal(t, []byte("signed"), got)
	require.Zero(t, e.srv.Calls(memory.MethodFetchPublicUser))
	require.Zero(t, e.srv.Calls(memory.MethodFetchVerifyKey))

	got, err = gb.Decrypt(ctx, signed, true, "")
	require.NoError(t, err)
	require.Equal(t, []byte("signed"), got)
	require.Equal(t, 1, e.srv.Calls(memory.MethodFetchPublicUser))
}

func TestGroupVerifyErrors(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.CreateGroup("team", "alice", "bob")
	require.NoError(t, err)
	e.login(t, "alice")
	e.login(t, "bob")
	g := e.group(t, "team", "alice")
	ctx := context.Background()

	unsigned, err := g.Encrypt(ctx, []byte("plain"), false)
	require.NoError(t, err)
	_, err = g.Decrypt(ctx, unsigned, true, "alice")
	require.ErrorIs(t, err, crypto.ErrNotSigned)

	signed, err := g.Encrypt(ctx, []byte("signed"), true)
	require.NoError(t, err)

	// Pinning the wrong signer fails key resolution, not the signature check.
	_, err = g.Decrypt(ctx, signed, true, "bob")
	require.True(t, crypto.IsKeyNotFound(err))
	require.False(t, crypto.IsSignatureInvalid(err))

	_, err = g.Decrypt(ctx, signed, true, "mallory")
	require.True(t, crypto.IsUserNotFound(err))
}

func TestGroupSignKeyRotation(t *testing.T) {
	e := newEnv(t, memory.WithFullHistory())
	_, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	alice := e.login(t, "alice")
	g := e.group(t, "team", "alice")
	ctx := context.Background()

	old, err := g.Encrypt(ctx, []byte("old signature"), true)
	require.NoError(t, err)
	newKeyID, err := e.srv.RotateSignKey(alice)
	require.NoError(t, err)

	current, err := g.Encrypt(ctx, []byte("new signature"), true)
	require.NoError(t, err)
	head, _, err := crypto.NewAEADPrimitives().SplitHead(current)
	require.NoError(t, err)
	require.Equal(t, newKeyID, head.SignKeyID)

	for _, data := range [][]byte{old, current} {
		_, err := g.Decrypt(ctx, data, true, "alice")
		require.NoError(t, err)
	}
}

func TestGroupSignWithoutLogin(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	g := e.group(t, "team", "alice")

	_, err = g.Encrypt(context.Background(), []byte("x"), true)
	require.True(t, crypto.IsUserNotFound(err))

	u, err := crypto.NewUser("alice")
	require.NoError(t, err)
	e.client.Users().Add(u)
	_, err = g.Encrypt(context.Background(), []byte("x"), true)
	require.True(t, crypto.IsKeyNotFound(err))
}

func TestGroupNotFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.client.Group(ctx, "nope", "alice")
	require.True(t, crypto.IsGroupNotFound(err))

	_, err = e.client.Group(ctx, "team", "eve")
	require.True(t, crypto.IsGroupNotFound(err))

	_, err = e.client.Group(ctx, "", "alice")
	require.True(t, crypto.IsInvalidKeyID(err))
}

func TestGroupNoKeys(t *testing.T) {
	e := newEnv(t)
	v1, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	require.NoError(t, e.srv.RevokeKey("team", v1))
	g := e.group(t, "team", "alice")

	_, err = g.Encrypt(context.Background(), []byte("x"), false)
	require.True(t, crypto.IsNoKeyFound(err))
}

func TestGroupParentAccess(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.CreateGroup("org", "alice")
	require.NoError(t, err)
	_, err = e.srv.CreateChildGroup("org", "team", "bob")
	require.NoError(t, err)
	ctx := context.Background()

	ga := e.group(t, "team", "alice")
	require.Equal(t, crypto.AccessParent, ga.Access())
	require.Equal(t, "org", ga.ParentID())
	gb := e.group(t, "team", "bob")
	require.Equal(t, crypto.AccessDirect, gb.Access())

	out, err := ga.Encrypt(ctx, []byte("from alice"), false)
	require.NoError(t, err)
	got, err := gb.Decrypt(ctx, out, false, "")
	require.NoError(t, err)
	require.Equal(t, []byte("from alice"), got)

	out, err = gb.Encrypt(ctx, []byte("from bob"), false)
	require.NoError(t, err)
	got, err = ga.Decrypt(ctx, out, false, "")
	require.NoError(t, err)
	require.Equal(t, []byte("from bob"), got)
}

func TestGroupParentRequired(t *testing.T) {
	srv := memory.NewServer()
	_, err := srv.CreateGroup("org", "alice")
	require.NoError(t, err)
	_, err = srv.CreateChildGroup("org", "team")
	require.NoError(t, err)
	ctx := context.Background()

	c := newClient(t, hidingServer{Server: srv, hidden: "org"})
	_, err = c.Group(ctx, "team", "alice")
	require.ErrorIs(t, err, crypto.ErrParentGroupNotFoundButRequired)
	require.False(t, crypto.IsGroupNotFound(err))

	orgKey, err := srv.NewestKeyID("org")
	require.NoError(t, err)
	require.NoError(t, srv.RevokeKey("org", orgKey))
	c = newClient(t, srv)
	_, err = c.Group(ctx, "team", "alice")
	require.ErrorIs(t, err, crypto.ErrParentGroupKeyNotFoundButRequired)
}

func TestGroupConnectedAccess(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.CreateGroup("partners", "bob")
	require.NoError(t, err)
	_, err = e.srv.CreateGroup("project", "alice")
	require.NoError(t, err)
	require.NoError(t, e.srv.ConnectGroup("project", "partners"))
	ctx := context.Background()

	gb := e.group(t, "project", "bob")
	require.Equal(t, crypto.AccessConnected, gb.Access())
	ga := e.group(t, "project", "alice")

	out, err := gb.EncryptString(ctx, "from a partner", false)
	require.NoError(t, err)
	got, err := ga.DecryptString(ctx, out, false, "")
	require.NoError(t, err)
	require.Equal(t, "from a partner", got)

	c := newClient(t, hidingServer{Server: e.srv, hidden: "partners"})
	_, err = c.Group(ctx, "project", "bob")
	require.ErrorIs(t, err, crypto.ErrConnectedGroupNotFoundButRequired)
}

func TestGroupConnectedKeyRequired(t *testing.T) {
	srv := memory.NewServer()
	_, err := srv.CreateGroup("partners", "bob")
	require.NoError(t, err)
	_, err = srv.CreateGroup("project")
	require.NoError(t, err)
	require.NoError(t, srv.ConnectGroup("project", "partners"))
	partnersKey, err := srv.NewestKeyID("partners")
	require.NoError(t, err)
	require.NoError(t, srv.RevokeKey("partners", partnersKey))

	c := newClient(t, srv)
	_, err = c.Group(context.Background(), "project", "bob")
	require.ErrorIs(t, err, crypto.ErrConnectedGroupKeyNotFoundButRequired)
}

func TestGroupNonRegisteredKey(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	g := e.group(t, "team", "alice")
	ctx := context.Background()

	payload, material, err := e.srv.NonRegisteredKey("team")
	require.NoError(t, err)
	master, err := e.srv.NewestKeyID("team")
	require.NoError(t, err)

	key, err := g.NonRegisteredKey(ctx, master, payload)
	require.NoError(t, err)
	defer key.Destroy()
	require.True(t, key.NonRegistered())
	require.NotContains(t, g.Keys().Keys(), key.ID)

	// The unwrapped key matches the material the server issued.
	plain, err := crypto.NewSymmetricKey(key.ID, material)
	require.NoError(t, err)
	defer plain.Destroy()
	p := crypto.NewAEADPrimitives()
	out, err := p.Encrypt(key, []byte("one-off"), nil, crypto.NoSigning())
	require.NoError(t, err)
	got, err := p.Decrypt(plain, out, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("one-off"), got)

	_, err = g.NonRegisteredKey(ctx, "unknown", payload)
	require.True(t, crypto.IsKeyNotFound(err))
}

func TestClientGroupSingleFlight(t *testing.T) {
	srv := memory.NewServer(memory.WithFetchHook(func(ctx context.Context, method string) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}))
	_, err := srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	c := newClient(t, srv)

	const n = 16
	groups := make([]*crypto.Group, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			groups[i], errs[i] = c.Group(context.Background(), "team", "alice")
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		require.Same(t, groups[0], groups[i])
	}
	require.Equal(t, 1, srv.Calls(memory.MethodFetchGroup))
}

func TestClientFetchFailureIsNotCached(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	errDown := errors.New("key server unavailable")
	srv := memory.NewServer(memory.WithFetchHook(func(ctx context.Context, method string) error {
		if down.Load() {
			return errDown
		}
		return nil
	}))
	_, err := srv.CreateGroup("team", "alice")
	require.NoError(t, err)

	logger, hook := logtest.NewNullLogger()
	c := newClient(t, srv, crypto.WithLogger(logger))
	ctx := context.Background()

	_, err = c.Group(ctx, "team", "alice")
	require.ErrorIs(t, err, errDown)
	require.False(t, crypto.IsGroupNotFound(err))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, logrus.WarnLevel, entry.Level)
	require.Equal(t, "groups", entry.Data["cache"])

	down.Store(false)
	_, err = c.Group(ctx, "team", "alice")
	require.NoError(t, err)
	require.Equal(t, 2, srv.Calls(memory.MethodFetchGroup))
}

func TestClientCancelledFetch(t *testing.T) {
	srv := memory.NewServer()
	_, err := srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	c := newClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Group(ctx, "team", "alice")
	require.ErrorIs(t, err, context.Canceled)

	_, err = c.Group(context.Background(), "team", "alice")
	require.NoError(t, err)
}

func TestClientForgetGroup(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.CreateGroup("team", "alice")
	require.NoError(t, err)
	g := e.group(t, "team", "alice")

	e.client.ForgetGroup("team", "alice")
	_, err = g.Encrypt(context.Background(), []byte("x"), false)
	require.True(t, crypto.IsStoreDestroyed(err))

	g2 := e.group(t, "team", "alice")
	require.NotSame(t, g, g2)
	require.Equal(t, 2, e.srv.Calls(memory.MethodFetchGroup))
}

func TestNewClientInvalid(t *testing.T) {
	srv := memory.NewServer()

	_, err := crypto.New(crypto.Config{}, srv)
	require.ErrorIs(t, err, crypto.ErrInvalidConfig)
	_, err = crypto.New(crypto.Config{BaseURL: "keys.example.com", AppToken: "t"}, srv)
	require.ErrorIs(t, err, crypto.ErrInvalidConfig)
	_, err = crypto.New(crypto.Config{BaseURL: "https://keys.example.com"}, srv)
	require.ErrorIs(t, err, crypto.ErrInvalidConfig)
	_, err = crypto.New(testConfig, nil)
	require.ErrorIs(t, err, crypto.ErrInvalidConfig)
	_, err = crypto.New(testConfig, srv, crypto.WithPrimitives(nil))
	require.ErrorIs(t, err, crypto.ErrInvalidConfig)

	c, err := crypto.New(testConfig, srv)
	require.NoError(t, err)
	require.Equal(t, testConfig, c.Config())
}

func TestClientGroupInvalidIDs(t *testing.T) {
	c := newClient(t, memory.NewServer())

	for _, ids := range [][2]string{{"", "alice"}, {"team", ""}, {"te\x1fam", "alice"}, {"team", "al\x1fice"}} {
		_, err := c.Group(context.Background(), ids[0], ids[1])
		require.True(t, crypto.IsInvalidKeyID(err), "group %q user %q: %v", ids[0], ids[1], err)
	}
}
