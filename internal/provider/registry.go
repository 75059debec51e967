package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/config"
	"github.com/omnichat/omnichat/internal/logging"
)

// Registry holds the enabled provider adapters, keyed by provider id.
// Selection is configuration-driven; unknown ids in config are skipped.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defaultID string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// NewRegistryFromConfig builds the registry for the enabled provider set.
func NewRegistryFromConfig(cfg config.Config) *Registry {
	log := logging.GetLogger()
	r := NewRegistry()
	r.defaultID = strings.ToLower(cfg.DefaultProvider)

	for _, id := range cfg.EnabledProviders {
		switch id {
		case "ollama":
			r.Register(NewOllamaProvider(cfg.OllamaBaseURL, cfg.ProviderTimeout))
		case "lmstudio":
			r.Register(NewLMStudioProvider(cfg.LMStudioBaseURL, cfg.ProviderTimeout))
		case "openai_compat":
			if cfg.OpenAICompatBaseURL == "" {
				log.Warn().Msg("OPENAI_COMPAT_BASE_URL not set, skipping provider")
				continue
			}
			r.Register(NewOpenAICompatProvider(cfg.OpenAICompatBaseURL, cfg.OpenAICompatAPIKey, cfg.ProviderTimeout))
		default:
			log.Warn().Str("provider", id).Msg("unknown provider id in configuration")
		}
	}

	log.Info().Strs("providers", r.IDs()).Str("default", r.defaultID).Msg("provider registry initialized")
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.ID())] = p
}

func (r *Registry) Get(id string) (Provider, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		id = r.defaultID
	}
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("unknown provider: " + id)
	}
	return p, nil
}

func (r *Registry) DefaultID() string { return r.defaultID }

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// ProviderInfo is the health-annotated listing surfaced on /providers.
type ProviderInfo struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func (r *Registry) List(ctx context.Context) []ProviderInfo {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	out := make([]ProviderInfo, 0, len(providers))
	for _, p := range providers {
		hs := p.HealthCheck(ctx)
		out = append(out, ProviderInfo{ID: p.ID(), OK: hs.OK, Detail: hs.Detail})
	}
	return out
}

// ListModels aggregates models of one provider, or of all when id is empty.
func (r *Registry) ListModels(ctx context.Context, id string) ([]ModelInfo, error) {
	if id != "" {
		p, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		return p.ListModels(ctx)
	}

	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	var models []ModelInfo
	for _, p := range providers {
		ms, err := p.ListModels(ctx)
		if err != nil {
			continue
		}
		models = append(models, ms...)
	}
	return models, nil
}
