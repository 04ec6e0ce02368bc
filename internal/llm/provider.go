package llm

import (
	"fmt"
	"sync"

	"github.com/longregen/causal/internal/domain"
	"github.com/longregen/causal/internal/domain/models"
	"github.com/longregen/causal/internal/ports"
)

// ProviderFactory builds clients for stored provider records. Clients are
// cached per provider id so breaker state survives across turns; a changed
// URL or key replaces the cached client.
type ProviderFactory struct {
	opts []Option

	mu      sync.Mutex
	clients map[string]cachedClient
}

type cachedClient struct {
	url    string
	apiKey string
	client *Client
}

var _ ports.ProviderFactory = (*ProviderFactory)(nil)

func NewProviderFactory(opts ...Option) *ProviderFactory {
	return &ProviderFactory{opts: opts, clients: make(map[string]cachedClient)}
}

func (f *ProviderFactory) ForProvider(provider *models.Provider) (ports.ChatProvider, error) {
	if provider == nil {
		return nil, domain.ErrProviderNotFound
	}
	if provider.URL == "" {
		return nil, fmt.Errorf("provider %s: %w", provider.ID, domain.NewDomainError(domain.ErrInvalidInput, "provider has no URL"))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.clients[provider.ID]; ok && cached.url == provider.URL && cached.apiKey == provider.APIKey {
		return cached.client, nil
	}

	name := provider.Name
	if name == "" {
		name = provider.ID
	}
	client := NewClient(name, provider.URL, provider.APIKey, f.opts...)
	f.clients[provider.ID] = cachedClient{url: provider.URL, apiKey: provider.APIKey, client: client}
	return client, nil
}
