package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"squadPlannerAPI/internal/apperr"
	"squadPlannerAPI/internal/billingevent"
)

// ErrSubscriptionNotFound means Stripe has no subscription with the
// requested id, typically a test-mode or deleted object.
var ErrSubscriptionNotFound = errors.New("stripe subscription not found")

// SubscriptionFetcher loads the current state of a subscription from Stripe.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (*billingevent.SubscriptionPayload, error)
}

type StripeService struct {
	StripeClient *client.API
}

func NewStripeService(secretKey string) *StripeService {
	return &StripeService{StripeClient: client.New(secretKey, nil)}
}

// NewStripeServiceWithBackends targets an alternate API backend.
func NewStripeServiceWithBackends(secretKey string, backends *stripe.Backends) *StripeService {
	return &StripeService{StripeClient: client.New(secretKey, backends)}
}

func (s *StripeService) FetchSubscription(ctx context.Context, subscriptionID string) (*billingevent.SubscriptionPayload, error) {
	const op = "stripe.FetchSubscription"

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := s.StripeClient.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			if stripeErr.HTTPStatusCode == http.StatusNotFound {
				return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscriptionID)
			}
			return nil, apperr.Upstream(op, "stripe subscription lookup failed", err)
		}
		return nil, apperr.Upstream(op, "stripe unreachable", err)
	}

	return billingevent.SubscriptionFromStripe(sub), nil
}
