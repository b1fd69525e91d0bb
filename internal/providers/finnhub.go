package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/intelbot/internal/services"
)

const (
	finnhubService = "finnhub"
	finnhubBaseURL = "https://finnhub.io/api/v1"
	finnhubTTL     = time.Minute
)

// Finnhub reports stock and ETF quotes
type Finnhub struct {
	client  Requester
	apiKey  string
	symbols []string
	baseURL string
	log     zerolog.Logger
}

// NewFinnhub creates a provider for the given ticker symbols
func NewFinnhub(client Requester, apiKey string, symbols []string, log zerolog.Logger) *Finnhub {
	return &Finnhub{client: client, apiKey: apiKey, symbols: symbols, baseURL: finnhubBaseURL, log: log}
}

// Name returns the provider name
func (p *Finnhub) Name() string { return finnhubService }

// Service is the registration used for Finnhub requests. The token travels
// as a header so it stays out of cache keys.
func (p *Finnhub) Service() services.ServiceConfig {
	return services.ServiceConfig{
		ServiceID: finnhubService,
		BaseURL:   p.baseURL,
		CacheTTL:  finnhubTTL,
		Timeout:   15 * time.Second,
		Headers:   map[string]string{"X-Finnhub-Token": p.apiKey},
	}
}

// Quote is a Finnhub quote
type Quote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	ChangePercent float64 `json:"dp"`
	PreviousClose float64 `json:"pc"`
}

// Quote fetches a single symbol. Finnhub answers unknown symbols with an
// all-zero quote, which is reported as an error.
func (p *Finnhub) Quote(ctx context.Context, symbol string) (*Quote, bool, error) {
	res, err := p.client.Request(ctx, finnhubService, "/quote",
		services.WithParams(map[string]string{"symbol": symbol}))
	if err != nil {
		return nil, false, fmt.Errorf("fetch quote %s: %w", symbol, err)
	}
	var q Quote
	if err := res.Decode(&q); err != nil {
		return nil, false, err
	}
	if q.Current == 0 && q.PreviousClose == 0 {
		return nil, false, fmt.Errorf("no quote data for %s", symbol)
	}
	return &q, res.IsStale, nil
}

// Fetch renders quotes for every symbol. Symbols that fail are skipped; it
// only errors when none succeed.
func (p *Finnhub) Fetch(ctx context.Context) (string, error) {
	var (
		b        strings.Builder
		ok       int
		lastErr  error
		anyStale bool
	)
	for _, sym := range p.symbols {
		q, stale, err := p.Quote(ctx, sym)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", sym).Msg("skipping symbol")
			lastErr = err
			continue
		}
		ok++
		anyStale = anyStale || stale
		fmt.Fprintf(&b, "%s: $%.2f (%+.2f%%)\n", sym, q.Current, q.ChangePercent)
	}
	if ok == 0 && lastErr != nil {
		return "", lastErr
	}

	header := "Market quotes"
	if anyStale {
		header += " (partly cached)"
	}
	return header + "\n" + b.String(), nil
}
