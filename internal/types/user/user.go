package user

import (
	"time"

	"squadPlannerAPI/internal/tier"
)

// Account is a web-app user. ID is the subject of the bearer token the
// account signs in with.
type Account struct {
	ID               string    `json:"id" db:"id"`
	Username         string    `json:"username" db:"username"`
	StripeCustomerID string    `json:"stripeCustomerId,omitempty" db:"stripe_customer_id"`
	SubscriptionTier tier.Tier `json:"subscriptionTier" db:"subscription_tier"`
	DiscordUserID    string    `json:"discordUserId,omitempty" db:"discord_user_id"`
	DiscordUsername  string    `json:"discordUsername,omitempty" db:"discord_username"`
	UpdatedAt        time.Time `json:"updatedAt" db:"updated_at"`
}

// HasDiscord reports whether a Discord identity is bound to the account.
func (a *Account) HasDiscord() bool {
	return a.DiscordUserID != ""
}

type DiscordLinkRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
	Action      string `json:"action,omitempty"`
}

type DiscordLinkResponse struct {
	Success         bool   `json:"success"`
	Action          string `json:"action"`
	DiscordUserID   string `json:"discord_user_id,omitempty"`
	DiscordUsername string `json:"discord_username,omitempty"`
}
