package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"squadPlannerAPI/internal/billingevent"
	"squadPlannerAPI/internal/store"
	"squadPlannerAPI/internal/tier"
	"squadPlannerAPI/internal/types/premium"
	"squadPlannerAPI/internal/types/subscription"
	"squadPlannerAPI/internal/types/user"
	"squadPlannerAPI/services"
)

const (
	webSecret   = "whsec_web"
	guildSecret = "whsec_guild"
)

type stubFetcher map[string]string

func (s stubFetcher) FetchSubscription(_ context.Context, id string) (*billingevent.SubscriptionPayload, error) {
	price, ok := s[id]
	if !ok {
		return nil, services.ErrSubscriptionNotFound
	}
	return &billingevent.SubscriptionPayload{SubscriptionID: id, Status: "active", PriceID: price}, nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestEngine(st *store.SQLiteStore) *services.ReconciliationService {
	resolver := tier.NewResolver(map[string]tier.Tier{
		"price_premium_monthly": tier.Premium,
		"price_club_monthly":    tier.Club,
	})
	return services.NewReconciliationService(st, resolver, stubFetcher{"sub_1": "price_premium_monthly", "sub_g": "price_premium_monthly"}, nil, nil)
}

func signedWebhookRequest(t *testing.T, path, secret, payload string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

const checkoutJSON = `{
	"id": "evt_checkout_1",
	"object": "event",
	"type": "checkout.session.completed",
	"data": {"object": {
		"id": "cs_1",
		"object": "checkout.session",
		"subscription": "sub_1",
		"customer": "cus_1",
		"metadata": {"user_id": "U1"}
	}}
}`

func TestStripeWebhook_NewSubscriber(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateAccount(context.Background(), &user.Account{ID: "U1", Username: "alice"}))
	h := NewWebhookHandler(subscription.DomainWeb, billingevent.NewNormalizer(webSecret), newTestEngine(st))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.HandleStripeWebhook(rr, signedWebhookRequest(t, "/webhooks/stripe", webSecret, checkoutJSON))

		assert.Equal(t, http.StatusOK, rr.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["received"])
		assert.Equal(t, "checkout.session.completed", resp["type"])
	}

	entry, err := st.GetLedgerEntry(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, entry.Status)

	account, err := st.GetAccount(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, tier.Premium, account.SubscriptionTier)
}

func TestStripeWebhook_MissingSecretFailsClosed(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateAccount(context.Background(), &user.Account{ID: "U1", Username: "alice"}))
	h := NewWebhookHandler(subscription.DomainWeb, billingevent.NewNormalizer(""), newTestEngine(st))

	rr := httptest.NewRecorder()
	h.HandleStripeWebhook(rr, signedWebhookRequest(t, "/webhooks/stripe", webSecret, checkoutJSON))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "configuration")

	_, err := st.GetLedgerEntry(context.Background(), "sub_1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	account, err := st.GetAccount(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, tier.Free, account.SubscriptionTier)
}

func TestStripeWebhook_SignatureErrors(t *testing.T) {
	st := newTestStore(t)
	h := NewWebhookHandler(subscription.DomainGuild, billingevent.NewNormalizer(guildSecret), newTestEngine(st))

	// signed for the web endpoint
	rr := httptest.NewRecorder()
	h.HandleStripeWebhook(rr, signedWebhookRequest(t, "/webhooks/stripe/guild", webSecret, checkoutJSON))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid Stripe signature")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe/guild", bytes.NewReader([]byte(checkoutJSON)))
	rr = httptest.NewRecorder()
	h.HandleStripeWebhook(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "missing Stripe signature")
}

func TestStripeWebhook_GuildCheckout(t *testing.T) {
	st := newTestStore(t)
	h := NewWebhookHandler(subscription.DomainGuild, billingevent.NewNormalizer(guildSecret), newTestEngine(st))

	payload := `{
		"id": "evt_guild_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_g", "object": "checkout.session", "subscription": "sub_g", "metadata": {"discord_guild_id": "4242"}}}
	}`
	rr := httptest.NewRecorder()
	h.HandleStripeWebhook(rr, signedWebhookRequest(t, "/webhooks/stripe/guild", guildSecret, payload))
	require.Equal(t, http.StatusOK, rr.Code)

	g, err := st.GetGroup(context.Background(), premium.GuildGroupID("4242"))
	require.NoError(t, err)
	assert.True(t, g.IsPremium)
}

func TestStripeWebhook_UnknownEventAcknowledged(t *testing.T) {
	h := NewWebhookHandler(subscription.DomainWeb, billingevent.NewNormalizer(webSecret), newTestEngine(newTestStore(t)))

	rr := httptest.NewRecorder()
	h.HandleStripeWebhook(rr, signedWebhookRequest(t, "/webhooks/stripe", webSecret,
		`{"id":"evt_x","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`))
	assert.Equal(t, http.StatusOK, rr.Code)
}

type failingReconciler struct{}

func (failingReconciler) Apply(context.Context, subscription.Domain, billingevent.Event) (services.Outcome, error) {
	return "", errors.New("database is locked")
}

func TestStripeWebhook_ProcessingFailureIsRetryable(t *testing.T) {
	h := NewWebhookHandler(subscription.DomainWeb, billingevent.NewNormalizer(webSecret), failingReconciler{})

	rr := httptest.NewRecorder()
	h.HandleStripeWebhook(rr, signedWebhookRequest(t, "/webhooks/stripe", webSecret, checkoutJSON))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "database is locked")

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "internal", resp["code"])
	assert.Equal(t, "processing failed", resp["error"])
}

func TestStripeWebhook_Methods(t *testing.T) {
	h := NewWebhookHandler(subscription.DomainWeb, billingevent.NewNormalizer(webSecret), failingReconciler{})

	for method, want := range map[string]int{
		http.MethodOptions: http.StatusOK,
		http.MethodHead:    http.StatusOK,
		http.MethodGet:     http.StatusMethodNotAllowed,
	} {
		rr := httptest.NewRecorder()
		h.HandleStripeWebhook(rr, httptest.NewRequest(method, "/webhooks/stripe", nil))
		assert.Equal(t, want, rr.Code, method)
	}
}
