// Package metrics holds the billing counters shared by handlers and services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Stripe webhook deliveries by domain, normalized event type and outcome",
		},
		[]string{"domain", "type", "outcome"},
	)
	WebhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_webhook_duration_seconds",
			Help:    "Time spent verifying and reconciling a Stripe webhook",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain"},
	)
	// UnknownPriceTotal should stay at zero; alert on any increase.
	UnknownPriceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_unknown_price_total",
			Help: "Subscriptions whose price id is not configured and fell back to the lowest paid tier",
		},
		[]string{"domain"},
	)
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_notifications_total",
			Help: "Billing push notifications by kind and result",
		},
		[]string{"kind", "result"},
	)
	IdentityLinkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discord_identity_link_total",
			Help: "Discord link and unlink attempts by result",
		},
		[]string{"result"},
	)
	EntitlementCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guild_entitlement_cache_total",
			Help: "Guild entitlement cache lookups by result",
		},
		[]string{"result"},
	)
)

// Register adds every billing collector to reg. Call once from main.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		WebhookEventsTotal,
		WebhookDuration,
		UnknownPriceTotal,
		NotificationsTotal,
		IdentityLinkTotal,
		EntitlementCacheTotal,
	)
}
