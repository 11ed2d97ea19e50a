package billingevent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"squadPlannerAPI/internal/apperr"
)

var stripeTypes = map[stripe.EventType]Type{
	"checkout.session.completed":    TypeCheckoutCompleted,
	"customer.subscription.updated": TypeSubscriptionUpdated,
	"customer.subscription.deleted": TypeSubscriptionDeleted,
	"invoice.payment_failed":        TypeInvoicePaymentFailed,
}

// Normalizer verifies deliveries signed with one endpoint secret. An empty
// secret makes every delivery fail with a configuration error.
type Normalizer struct {
	secret string
}

func NewNormalizer(secret string) *Normalizer {
	return &Normalizer{secret: strings.TrimSpace(secret)}
}

func (n *Normalizer) Configured() bool {
	return n.secret != ""
}

// Normalize verifies sigHeader against payload and decodes the event.
func (n *Normalizer) Normalize(payload []byte, sigHeader string) (Event, error) {
	const op = "billingevent.Normalize"

	if n.secret == "" {
		return Event{}, apperr.Configuration(op, "webhook secret not configured", nil)
	}
	if strings.TrimSpace(sigHeader) == "" {
		return Event{}, apperr.Validation(op, "missing Stripe signature", nil)
	}

	raw, err := webhook.ConstructEventWithOptions(payload, sigHeader, n.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, apperr.Validation(op, "invalid Stripe signature", err)
	}

	ev := Event{
		ID:         raw.ID,
		StripeType: string(raw.Type),
		Created:    time.Unix(raw.Created, 0).UTC(),
		Type:       TypeUnknown,
	}
	t, ok := stripeTypes[raw.Type]
	if !ok {
		return ev, nil
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return Event{}, apperr.Validation(op, "event has no data object", nil)
	}
	ev.Type = t

	switch t {
	case TypeCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &session); err != nil {
			return Event{}, apperr.Validation(op, "malformed checkout session", fmt.Errorf("decode checkout.session: %w", err))
		}
		ev.Payload = checkoutFromStripe(&session)

	case TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return Event{}, apperr.Validation(op, "malformed subscription", fmt.Errorf("decode subscription: %w", err))
		}
		ev.Payload = SubscriptionFromStripe(&sub)

	case TypeInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(raw.Data.Raw, &invoice); err != nil {
			return Event{}, apperr.Validation(op, "malformed invoice", fmt.Errorf("decode invoice: %w", err))
		}
		ev.Payload = invoiceFromStripe(&invoice)
	}

	return ev, nil
}

func checkoutFromStripe(session *stripe.CheckoutSession) *CheckoutPayload {
	p := &CheckoutPayload{
		SessionID: session.ID,
		Metadata:  Metadata(session.Metadata),
	}
	if session.Subscription != nil {
		p.SubscriptionID = session.Subscription.ID
	}
	if session.Customer != nil {
		p.CustomerID = session.Customer.ID
	}
	if p.Metadata == nil {
		p.Metadata = Metadata{}
	}
	return p
}

// SubscriptionFromStripe projects a Stripe subscription, whether decoded from
// a webhook or fetched from the API.
func SubscriptionFromStripe(sub *stripe.Subscription) *SubscriptionPayload {
	p := &SubscriptionPayload{
		SubscriptionID:     sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: unixPtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixPtr(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Metadata:           Metadata(sub.Metadata),
	}
	if sub.Customer != nil {
		p.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				p.PriceID = item.Price.ID
				break
			}
		}
	}
	if p.Metadata == nil {
		p.Metadata = Metadata{}
	}
	return p
}

func invoiceFromStripe(invoice *stripe.Invoice) *InvoicePayload {
	p := &InvoicePayload{
		InvoiceID:    invoice.ID,
		AttemptCount: invoice.AttemptCount,
	}
	if invoice.Subscription != nil {
		p.SubscriptionID = invoice.Subscription.ID
	}
	if invoice.Customer != nil {
		p.CustomerID = invoice.Customer.ID
	}
	return p
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
