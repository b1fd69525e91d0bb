package providers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/intelbot/internal/services"
)

const (
	fredService = "fred"
	fredBaseURL = "https://api.stlouisfed.org/fred"
	fredTTL     = time.Hour
)

// FRED reports the latest values of economic series
type FRED struct {
	client  Requester
	apiKey  string
	series  []string
	baseURL string
	log     zerolog.Logger
}

// NewFRED creates a provider for the given series ids (e.g. "DGS10")
func NewFRED(client Requester, apiKey string, series []string, log zerolog.Logger) *FRED {
	return &FRED{client: client, apiKey: apiKey, series: series, baseURL: fredBaseURL, log: log}
}

// Name returns the provider name
func (p *FRED) Name() string { return fredService }

// Service is the registration used for FRED requests
func (p *FRED) Service() services.ServiceConfig {
	return services.ServiceConfig{
		ServiceID: fredService,
		BaseURL:   p.baseURL,
		CacheTTL:  fredTTL,
	}
}

// Indicator is the latest observation of a series and its change from the
// one before. Value is nil when FRED reports the value as missing.
type Indicator struct {
	SeriesID string
	Date     string
	Value    *float64
	Previous *float64
}

// Change returns Value-Previous when both are known
func (i Indicator) Change() (float64, bool) {
	if i.Value == nil || i.Previous == nil {
		return 0, false
	}
	return *i.Value - *i.Previous, true
}

type observations struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// Indicator fetches the two most recent observations of seriesID
func (p *FRED) Indicator(ctx context.Context, seriesID string) (*Indicator, error) {
	res, err := p.client.Request(ctx, fredService, "/series/observations",
		services.WithParams(map[string]string{
			"series_id":  seriesID,
			"api_key":    p.apiKey,
			"file_type":  "json",
			"sort_order": "desc",
			"limit":      "2",
		}))
	if err != nil {
		return nil, fmt.Errorf("fetch series %s: %w", seriesID, err)
	}
	var obs observations
	if err := res.Decode(&obs); err != nil {
		return nil, err
	}
	if len(obs.Observations) == 0 {
		return nil, fmt.Errorf("no observations for %s", seriesID)
	}

	ind := &Indicator{SeriesID: seriesID, Date: obs.Observations[0].Date}
	ind.Value = parseObservation(obs.Observations[0].Value)
	if len(obs.Observations) > 1 {
		ind.Previous = parseObservation(obs.Observations[1].Value)
	}
	return ind, nil
}

// parseObservation handles FRED's "." placeholder for missing data
func parseObservation(v string) *float64 {
	if v == "." || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// Fetch renders every series, skipping the ones that fail
func (p *FRED) Fetch(ctx context.Context) (string, error) {
	var (
		b       strings.Builder
		ok      int
		lastErr error
	)
	b.WriteString("Economic indicators\n")
	for _, id := range p.series {
		ind, err := p.Indicator(ctx, id)
		if err != nil {
			p.log.Warn().Err(err).Str("series", id).Msg("skipping series")
			lastErr = err
			continue
		}
		ok++
		switch {
		case ind.Value == nil:
			fmt.Fprintf(&b, "%s: n/a (%s)\n", id, ind.Date)
		default:
			if d, has := ind.Change(); has {
				fmt.Fprintf(&b, "%s: %.2f (%+.2f) %s\n", id, *ind.Value, d, ind.Date)
			} else {
				fmt.Fprintf(&b, "%s: %.2f %s\n", id, *ind.Value, ind.Date)
			}
		}
	}
	if ok == 0 && lastErr != nil {
		return "", lastErr
	}
	return b.String(), nil
}
