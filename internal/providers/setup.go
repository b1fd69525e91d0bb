package providers

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/intelbot/internal/config"
	"github.com/briangreenhill/intelbot/internal/services"
)

// registrable is a provider that brings its own service registration
type registrable interface {
	Provider
	Service() services.ServiceConfig
}

// Setup creates a registry with all configured providers and registers
// their services on client
func Setup(cfg *config.Config, client *services.Client, log zerolog.Logger) (*Registry, error) {
	registry := NewRegistry()

	all := []registrable{}
	if len(cfg.Digest.Coins) > 0 {
		all = append(all, NewCoinGecko(client, cfg.Digest.Coins))
	}
	if cfg.HasFinnhub() {
		all = append(all, NewFinnhub(client, cfg.Finnhub.APIKey, cfg.Finnhub.Symbols, log))
	}
	if cfg.HasFRED() {
		all = append(all, NewFRED(client, cfg.FRED.APIKey, cfg.FRED.Series, log))
	}

	for _, p := range all {
		if err := client.RegisterService(p.Service()); err != nil {
			return nil, fmt.Errorf("register %s: %w", p.Name(), err)
		}
		registry.Register(p)
	}
	log.Info().Strs("providers", registry.List()).Msg("providers configured")
	return registry, nil
}
