package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/briangreenhill/intelbot/internal/services"
)

const (
	coinGeckoService = "coingecko"
	coinGeckoBaseURL = "https://api.coingecko.com/api/v3"
	coinGeckoTTL     = 2 * time.Minute
)

// CoinGecko reports spot prices for a list of coins
type CoinGecko struct {
	client  Requester
	coins   []string
	baseURL string
}

// NewCoinGecko creates a provider for the given coin ids (e.g. "bitcoin")
func NewCoinGecko(client Requester, coins []string) *CoinGecko {
	return &CoinGecko{client: client, coins: coins, baseURL: coinGeckoBaseURL}
}

// Name returns the provider name
func (p *CoinGecko) Name() string { return coinGeckoService }

// Service is the registration used for CoinGecko requests
func (p *CoinGecko) Service() services.ServiceConfig {
	return services.ServiceConfig{
		ServiceID: coinGeckoService,
		BaseURL:   p.baseURL,
		CacheTTL:  coinGeckoTTL,
	}
}

// CoinPrice is the USD market data for one coin
type CoinPrice struct {
	USD       float64 `json:"usd"`
	Change24h float64 `json:"usd_24h_change"`
	MarketCap float64 `json:"usd_market_cap"`
	Volume24h float64 `json:"usd_24h_vol"`
}

// Prices returns the current prices keyed by coin id
func (p *CoinGecko) Prices(ctx context.Context) (map[string]CoinPrice, *services.Result, error) {
	res, err := p.client.Request(ctx, coinGeckoService, "/simple/price",
		services.WithParams(map[string]string{
			"ids":                 strings.Join(p.coins, ","),
			"vs_currencies":       "usd",
			"include_24hr_change": "true",
			"include_market_cap":  "true",
			"include_24hr_vol":    "true",
		}))
	if err != nil {
		return nil, nil, fmt.Errorf("fetch coingecko prices: %w", err)
	}
	var prices map[string]CoinPrice
	if err := res.Decode(&prices); err != nil {
		return nil, nil, err
	}
	return prices, res, nil
}

// Fetch renders the prices as a digest
func (p *CoinGecko) Fetch(ctx context.Context) (string, error) {
	prices, res, err := p.Prices(ctx)
	if err != nil {
		return "", err
	}

	ids := make([]string, 0, len(prices))
	for id := range prices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "Crypto prices%s\n", staleNote(res))
	for _, id := range ids {
		pr := prices[id]
		fmt.Fprintf(&b, "%s: $%.2f (%+.2f%% 24h)\n", id, pr.USD, pr.Change24h)
	}
	return b.String(), nil
}

func staleNote(res *services.Result) string {
	if res.IsStale {
		return " (cached, source unavailable)"
	}
	return ""
}
