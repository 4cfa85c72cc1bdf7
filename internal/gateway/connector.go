package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/danielolaszy/taskflow/pkg/models"
)

// Constructor builds a gateway authenticated with token.
type Constructor func(ctx context.Context, token string) (Gateway, error)

// CredentialResolver turns a repository credential reference into a token.
type CredentialResolver func(provider, ref string) (string, error)

// Connector hands out one gateway per provider and credential.
type Connector struct {
	mu           sync.Mutex
	constructors map[string]Constructor
	resolve      CredentialResolver
	cache        map[string]Gateway
}

// NewConnector creates a Connector that resolves credentials with resolve.
func NewConnector(resolve CredentialResolver) *Connector {
	return &Connector{
		constructors: make(map[string]Constructor),
		resolve:      resolve,
		cache:        make(map[string]Gateway),
	}
}

// Register installs the constructor for a provider.
func (c *Connector) Register(provider string, ctor Constructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constructors[provider] = ctor
}

// Connect returns the gateway serving repo.
func (c *Connector) Connect(ctx context.Context, repo models.Repository) (Gateway, error) {
	provider := repo.ProviderName()

	token, err := c.resolve(provider, repo.CredentialRef)
	if err != nil {
		return nil, AuthFailure(fmt.Errorf("resolve credential for %s: %w", repo.ID(), err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := provider + "\x00" + token
	if gw, ok := c.cache[key]; ok {
		return gw, nil
	}

	ctor, ok := c.constructors[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q for repository %s", provider, repo.ID())
	}
	gw, err := ctor(ctx, token)
	if err != nil {
		return nil, err
	}
	c.cache[key] = gw
	return gw, nil
}
