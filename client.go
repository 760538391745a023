package crypto

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// groupIDSep joins the acting user and group IDs of a group cache entry.
const groupIDSep = "\x1f"

// Client is one application session against a key server. It owns the
// caches for groups and public users and the store of logged-in users.
//
// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	server KeyServer
	prims  Primitives
	logger logrus.FieldLogger
	opts   *options
	tel    *telemetry

	users  *Users
	verify *VerifyKeyResolver
	groups *KeyCache[*Group]
}

// New creates a Client for cfg that loads keys from server.
func New(cfg Config, server KeyServer, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if server == nil {
		return nil, fmt.Errorf("%w: key server is nil", ErrInvalidConfig)
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	o.logger = o.logger.WithField("base_url", cfg.BaseURL)
	tel, err := newTelemetry(o)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to set up telemetry: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		server: server,
		prims:  o.primitives,
		logger: o.logger,
		opts:   o,
		tel:    tel,
		users:  NewUsers(),
		verify: newVerifyKeyResolver(server, o, tel),
	}
	c.groups = newKeyCache("groups", c.loadGroup, o, tel)
	return c, nil
}

// Config returns the client's config.
func (c *Client) Config() Config {
	return c.cfg
}

// Users returns the store of users logged in on this device.
func (c *Client) Users() *Users {
	return c.users
}

// VerifyKeys returns the resolver used to check signatures.
func (c *Client) VerifyKeys() *VerifyKeyResolver {
	return c.verify
}

// Group returns groupID as seen by actingUserID, loading it on first use.
// Returns ErrGroupNotFound if the key server does not know the group or the
// user has no access to it.
func (c *Client) Group(ctx context.Context, groupID, actingUserID string) (*Group, error) {
	if groupID == "" || actingUserID == "" {
		return nil, fmt.Errorf("%w: group and user ID must not be empty", ErrInvalidKeyID)
	}
	if strings.Contains(groupID, groupIDSep) || strings.Contains(actingUserID, groupIDSep) {
		return nil, fmt.Errorf("%w: group and user ID must not contain control characters", ErrInvalidKeyID)
	}
	g, err := c.groups.GetOrFetch(ctx, actingUserID+groupIDSep+groupID)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %q: %w", ErrGroupNotFound, groupID, err)
		}
		return nil, err
	}
	return g, nil
}

// ForgetGroup drops a cached group and wipes its keys.
func (c *Client) ForgetGroup(groupID, actingUserID string) {
	id := actingUserID + groupIDSep + groupID
	if g, ok := c.groups.Peek(id); ok {
		g.keys.Destroy()
	}
	c.groups.Invalidate(id)
}

// Close wipes the key material of every cached group and drops all caches.
// Logged-in users are left untouched.
func (c *Client) Close() {
	c.groups.Range(func(_ string, g *Group) bool {
		g.keys.Destroy()
		return true
	})
	c.groups.Clear()
	c.verify.Clear()
}

func (c *Client) loadGroup(ctx context.Context, id string) (*Group, error) {
	userID, groupID, ok := strings.Cut(id, groupIDSep)
	if !ok {
		return nil, fmt.Errorf("%w: malformed group cache ID", ErrInvalidKeyID)
	}

	rec, err := c.server.FetchGroup(ctx, userID, groupID)
	if err != nil {
		return nil, err
	}
	if rec.GroupID != groupID {
		return nil, fmt.Errorf("%w: asked for group %q, got %q", ErrInvalidFormat, groupID, rec.GroupID)
	}

	g := &Group{
		id:           groupID,
		parentID:     rec.ParentGroupID,
		connectedID:  rec.ConnectedGroupID,
		access:       rec.Access,
		actingUserID: userID,
		client:       c,
		logger:       c.logger.WithFields(logrus.Fields{"group": groupID, "user": userID}),
	}
	fetchKey := func(ctx context.Context, keyID string) (*GroupKey, error) {
		rec, err := c.server.FetchGroupKey(ctx, userID, groupID, keyID)
		if err != nil {
			return nil, err
		}
		if rec.KeyID != keyID {
			return nil, fmt.Errorf("%w: asked for key %q, got %q", ErrInvalidFormat, keyID, rec.KeyID)
		}
		return g.materialize(ctx, rec)
	}
	g.keys = newGroupKeyStore(groupID, newKeyCache("group_keys", fetchKey, c.opts, c.tel))

	if err := g.addRecords(ctx, rec.Keys); err != nil {
		g.keys.Destroy()
		return nil, err
	}
	g.logger.WithField("keys", g.keys.Len()).Debug("group loaded")
	return g, nil
}
