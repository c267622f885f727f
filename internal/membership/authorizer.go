package membership

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL      = 3 * time.Second
	defaultCacheSize     = 4096
	defaultLookupTimeout = 5 * time.Second
)

// AuthorizerConfig configures the Authorizer.
type AuthorizerConfig struct {
	Store     Store
	CacheTTL  time.Duration
	CacheSize int
	// LookupTimeout bounds a store lookup shared by concurrent callers.
	LookupTimeout time.Duration
	Logger        *zap.Logger
}

// Authorizer answers role and document lookups with a short-TTL cache.
// Cached answers are never older than CacheTTL, which bounds how long a
// demotion or removal takes to reach open sessions. Store failures are never
// cached and always resolve to RoleNone.
type Authorizer struct {
	store     Store
	roles     *expirable.LRU[string, Role]
	documents *expirable.LRU[string, string]
	lookups   singleflight.Group
	timeout   time.Duration
	logger    *zap.Logger
}

// NewAuthorizer validates cfg and builds an Authorizer.
func NewAuthorizer(cfg AuthorizerConfig) (*Authorizer, error) {
	if cfg.Store == nil {
		return nil, errors.New("membership: store is required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authorizer{
		store:     cfg.Store,
		roles:     expirable.NewLRU[string, Role](size, nil, ttl),
		documents: expirable.NewLRU[string, string](size, nil, ttl),
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// ResolveRole returns the user's role in the workspace. On store failure it
// returns RoleNone together with the error.
func (a *Authorizer) ResolveRole(ctx context.Context, workspaceID, userID string) (Role, error) {
	key := workspaceID + "\x00" + userID
	if role, ok := a.roles.Get(key); ok {
		return role, nil
	}
	result, err := a.shared(ctx, "role:"+key, func(lookupCtx context.Context) (any, error) {
		return a.store.LookupRole(lookupCtx, workspaceID, userID)
	})
	if err != nil {
		a.logger.Warn("membership lookup failed",
			zap.String("workspace_id", workspaceID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return RoleNone, err
	}
	role := result.(Role)
	a.roles.Add(key, role)
	return role, nil
}

// ResolveDocument confirms that documentID belongs to workspaceID.
func (a *Authorizer) ResolveDocument(ctx context.Context, workspaceID, documentID string) error {
	owner, ok := a.documents.Get(documentID)
	if !ok {
		result, err := a.shared(ctx, "document:"+documentID, func(lookupCtx context.Context) (any, error) {
			return a.store.DocumentWorkspace(lookupCtx, documentID)
		})
		if err != nil {
			if !errors.Is(err, ErrDocumentNotFound) {
				a.logger.Warn("document lookup failed",
					zap.String("document_id", documentID),
					zap.Error(err),
				)
			}
			return err
		}
		owner = result.(string)
		a.documents.Add(documentID, owner)
	}
	if owner != workspaceID {
		return ErrDocumentNotFound
	}
	return nil
}

// shared runs lookup once for all concurrent callers of key. The lookup is
// detached from any single caller so one caller hanging up cannot fail the
// others; each caller still stops waiting when its own ctx ends.
func (a *Authorizer) shared(ctx context.Context, key string, lookup func(context.Context) (any, error)) (any, error) {
	results := a.lookups.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		return lookup(lookupCtx)
	})
	select {
	case result := <-results:
		return result.Val, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
