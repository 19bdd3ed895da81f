// Package classifier resolves the configured extraction provider by name.
package classifier

import (
	"fmt"
	"log/slog"
	"sort"

	"ListingRadar/internal/config"
	"ListingRadar/internal/infrastructure/llm"
	"ListingRadar/internal/infrastructure/ml"
	"ListingRadar/internal/ports"
)

// Factory builds a provider from the classifier section of the config.
type Factory func(cfg config.ClassifierConfig, logger *slog.Logger) (ports.Classifier, error)

// Registry keeps a mapping from provider names to their constructors.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds or replaces a provider.
func (r *Registry) Register(name string, factory Factory) {
	if r.factories == nil {
		r.factories = map[string]Factory{}
	}
	r.factories[name] = factory
}

// Resolve returns a provider constructor by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Factory, error) {
	if factory, ok := r.factories[name]; ok {
		return factory, nil
	}
	return nil, fmt.Errorf("classifier provider %q is not registered (known: %v)", name, r.Names())
}

// Build resolves cfg.Provider and constructs it.
func (r *Registry) Build(cfg config.ClassifierConfig, logger *slog.Logger) (ports.Classifier, error) {
	factory, err := r.Resolve(cfg.Provider)
	if err != nil {
		return nil, err
	}
	c, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build classifier %s: %w", cfg.Provider, err)
	}
	return c, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default registers the built-in providers: "openai", "http" and "keyword".
func Default() *Registry {
	r := NewRegistry()
	r.Register("openai", func(cfg config.ClassifierConfig, logger *slog.Logger) (ports.Classifier, error) {
		return llm.NewOpenAIClassifier(cfg, logger)
	})
	r.Register("http", func(cfg config.ClassifierConfig, _ *slog.Logger) (ports.Classifier, error) {
		return ml.NewClient(cfg)
	})
	r.Register("keyword", func(config.ClassifierConfig, *slog.Logger) (ports.Classifier, error) {
		return llm.KeywordClassifier{}, nil
	})
	return r
}
