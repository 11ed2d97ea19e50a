package notification

import (
	"context"
	"fmt"
	"regexp"

	"squadPlannerAPI/internal/tier"
)

type Kind string

const (
	KindDowngrade     Kind = "subscription_downgraded"
	KindPaymentFailed Kind = "payment_failed"
)

// Notice describes one billing transition worth telling the owner about.
// Exactly one of AccountID or GuildID addresses the recipient.
type Notice struct {
	Kind           Kind
	AccountID      string
	GuildID        string
	SubscriptionID string
	Tier           tier.Tier
}

// Notifier delivers billing notices. Delivery is best effort; callers log
// failures and carry on.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Nop drops every notice. Used when push credentials are not configured.
type Nop struct{}

func (Nop) Notify(context.Context, Notice) error { return nil }

var topicUnsafe = regexp.MustCompile(`[^a-zA-Z0-9\-_.~%]`)

// Topic is the FCM topic the owner's clients subscribe to.
func (n Notice) Topic() (string, error) {
	switch {
	case n.GuildID != "":
		return "billing_guild_" + topicUnsafe.ReplaceAllString(n.GuildID, "_"), nil
	case n.AccountID != "":
		return "billing_account_" + topicUnsafe.ReplaceAllString(n.AccountID, "_"), nil
	default:
		return "", fmt.Errorf("notice %s has no recipient", n.Kind)
	}
}

func (n Notice) content() (title, body string) {
	switch n.Kind {
	case KindPaymentFailed:
		if n.GuildID != "" {
			return "Paiement refusé", "Le paiement de l'abonnement premium de ton serveur a échoué. Mets à jour ton moyen de paiement pour garder tes avantages."
		}
		return "Paiement refusé", "Le paiement de ton abonnement a échoué. Mets à jour ton moyen de paiement pour garder tes avantages."
	default:
		if n.GuildID != "" {
			return "Abonnement terminé", "L'abonnement premium de ton serveur Discord a pris fin."
		}
		return "Abonnement terminé", "Ton abonnement a pris fin. Ton compte est repassé en offre gratuite."
	}
}
