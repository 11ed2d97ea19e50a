package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"squadPlannerAPI/internal/apperr"
	"squadPlannerAPI/internal/billingevent"
	"squadPlannerAPI/internal/metrics"
	"squadPlannerAPI/internal/types/subscription"
	"squadPlannerAPI/services"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Reconciler applies verified billing events.
type Reconciler interface {
	Apply(ctx context.Context, domain subscription.Domain, ev billingevent.Event) (services.Outcome, error)
}

// WebhookHandler receives Stripe deliveries for one domain. Each domain has
// its own endpoint and signing secret.
type WebhookHandler struct {
	domain     subscription.Domain
	normalizer *billingevent.Normalizer
	reconciler Reconciler
}

func NewWebhookHandler(domain subscription.Domain, normalizer *billingevent.Normalizer, reconciler Reconciler) *WebhookHandler {
	return &WebhookHandler{
		domain:     domain,
		normalizer: normalizer,
		reconciler: reconciler,
	}
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Type     string `json:"type"`
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := string(billingevent.TypeUnknown)
	outcome := "rejected"
	defer func() {
		metrics.WebhookEventsTotal.WithLabelValues(string(h.domain), eventType, outcome).Inc()
		metrics.WebhookDuration.WithLabelValues(string(h.domain)).Observe(time.Since(start).Seconds())
	}()

	switch r.Method {
	case http.MethodOptions, http.MethodHead:
		outcome = "probe"
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	logger := log.With().Str("domain", string(h.domain)).Logger()

	if !h.normalizer.Configured() {
		logger.Error().Msg("Stripe webhook secret is not configured, rejecting delivery")
		respondWithAppError(w, apperr.Configuration("webhook", "webhook secret not configured", nil))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ev, err := h.normalizer.Normalize(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.Warn().Err(err).Msg("Rejected Stripe webhook")
		respondWithAppError(w, err)
		return
	}
	eventType = string(ev.Type)

	result, err := h.reconciler.Apply(r.Context(), h.domain, ev)
	if err != nil {
		outcome = "failed"
		logger.Error().Err(err).
			Str("event_id", ev.ID).
			Str("type", ev.StripeType).
			Msg("Stripe webhook processing failed")
		respondWithAppError(w, apperr.Internal("webhook", "processing failed", err))
		return
	}
	outcome = string(result)

	respondWithJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Type: ev.StripeType})
}
