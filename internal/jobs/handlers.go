package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/intelbot/internal/notify"
	"github.com/briangreenhill/intelbot/internal/providers"
	"github.com/briangreenhill/intelbot/internal/services"
)

// Cleaner drops dead cache entries
type Cleaner interface {
	CleanupCache() int
}

type Handlers struct {
	Cache     Cleaner
	Providers *providers.Registry
	Sender    notify.Sender
	Log       zerolog.Logger
}

// Register wires every handler into mux
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskCacheCleanup, h.HandleCacheCleanup)
	mux.HandleFunc(TaskDigestSource, h.HandleDigest)
}

func (h *Handlers) HandleCacheCleanup(_ context.Context, _ *asynq.Task) error {
	n := h.Cache.CleanupCache()
	h.Log.Debug().Int("removed", n).Msg("cache cleanup")
	return nil
}

func (h *Handlers) HandleDigest(ctx context.Context, t *asynq.Task) error {
	var p DigestPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("bad payload: %v: %w", err, asynq.SkipRetry)
	}
	log := h.Log.With().Str("provider", p.Provider).Str("request_id", p.RequestID).Logger()

	provider, ok := h.Providers.Get(p.Provider)
	if !ok {
		return fmt.Errorf("unknown provider %q: %w", p.Provider, asynq.SkipRetry)
	}

	start := time.Now()
	body, err := provider.Fetch(ctx)
	if err != nil {
		if isRetryable(err) {
			log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("retryable digest failure")
			return err
		}
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("permanent digest failure, dropping job")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := h.Sender.Send(ctx, provider.Name(), body); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	log.Info().Dur("duration", time.Since(start)).Msg("digest delivered")
	return nil
}

// isRetryable reports whether a failed fetch may succeed later
func isRetryable(err error) bool {
	if errors.Is(err, services.ErrCircuitOpen) ||
		errors.Is(err, services.ErrRateLimited) ||
		errors.Is(err, services.ErrRequestTimeout) {
		return true
	}
	var se *services.ServiceError
	if errors.As(err, &se) {
		// no status means the connection itself failed
		return se.StatusCode == 0 || se.StatusCode >= 500
	}
	return false
}
