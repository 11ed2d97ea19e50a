package subscription

import (
	"time"

	"squadPlannerAPI/internal/tier"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no later lifecycle event may move the entry out
// of this status.
func (s Status) Terminal() bool {
	return s == StatusCancelled
}

// StatusFromStripe maps a Stripe subscription status onto the ledger's three
// states. ok is false for statuses the ledger does not track.
func StatusFromStripe(status string) (Status, bool) {
	switch status {
	case "active", "trialing":
		return StatusActive, true
	case "past_due", "unpaid", "incomplete":
		return StatusPastDue, true
	case "canceled", "cancelled", "incomplete_expired":
		return StatusCancelled, true
	default:
		return "", false
	}
}

// Domain names the owner side of a subscription.
type Domain string

const (
	DomainWeb   Domain = "web"
	DomainGuild Domain = "guild"
)

// LedgerEntry is the durable record of one Stripe subscription, keyed by
// StripeSubscriptionID.
type LedgerEntry struct {
	ID                   string      `json:"id" db:"id"`
	StripeSubscriptionID string      `json:"stripeSubscriptionId" db:"stripe_subscription_id"`
	Domain               Domain      `json:"domain" db:"domain"`
	AccountID            string      `json:"accountId,omitempty" db:"account_id"`
	GroupID              string      `json:"groupId,omitempty" db:"group_id"`
	Status               Status      `json:"status" db:"status"`
	Tier                 tier.Tier   `json:"tier" db:"tier"`
	PriceID              string      `json:"priceId,omitempty" db:"price_id"`
	TierSource           tier.Source `json:"tierSource,omitempty" db:"tier_source"`
	CurrentPeriodStart   *time.Time  `json:"currentPeriodStart,omitempty" db:"current_period_start"`
	CurrentPeriodEnd     *time.Time  `json:"currentPeriodEnd,omitempty" db:"current_period_end"`
	CancelAtPeriodEnd    bool        `json:"cancelAtPeriodEnd" db:"cancel_at_period_end"`
	CreatedAt            time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time   `json:"updatedAt" db:"updated_at"`
}
