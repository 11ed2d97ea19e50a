// Package billingevent verifies Stripe webhook deliveries and reduces them to
// the four event shapes the reconciliation engine understands.
package billingevent

import (
	"strings"
	"time"
)

type Type string

const (
	TypeCheckoutCompleted    Type = "checkout_completed"
	TypeSubscriptionUpdated  Type = "subscription_updated"
	TypeSubscriptionDeleted  Type = "subscription_deleted"
	TypeInvoicePaymentFailed Type = "invoice_payment_failed"
	TypeUnknown              Type = "unknown"
)

// Metadata keys set on checkout sessions and subscriptions by the web app and
// the bot.
const (
	MetaUserID  = "user_id"
	MetaSquadID = "squad_id"
	MetaTier    = "tier"
	MetaGuildID = "discord_guild_id"
)

// Event is a verified delivery. Payload is one of *CheckoutPayload,
// *SubscriptionPayload or *InvoicePayload, or nil for TypeUnknown.
type Event struct {
	ID         string
	Type       Type
	StripeType string
	Created    time.Time
	Payload    any
}

// Metadata is the string map Stripe carries on sessions and subscriptions.
type Metadata map[string]string

func (m Metadata) get(key string) string {
	return strings.TrimSpace(m[key])
}

func (m Metadata) UserID() string  { return m.get(MetaUserID) }
func (m Metadata) SquadID() string { return m.get(MetaSquadID) }
func (m Metadata) Tier() string    { return m.get(MetaTier) }
func (m Metadata) GuildID() string { return m.get(MetaGuildID) }

type CheckoutPayload struct {
	SessionID      string
	SubscriptionID string
	CustomerID     string
	Metadata       Metadata
}

type SubscriptionPayload struct {
	SubscriptionID     string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	Metadata           Metadata
}

type InvoicePayload struct {
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
	AttemptCount   int64
}
