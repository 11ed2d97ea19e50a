package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"squadPlannerAPI/internal/billingevent"
	"squadPlannerAPI/internal/metrics"
	"squadPlannerAPI/internal/notification"
	"squadPlannerAPI/internal/store"
	"squadPlannerAPI/internal/tier"
	"squadPlannerAPI/internal/types/premium"
	"squadPlannerAPI/internal/types/subscription"
)

// Outcome says what an event did to the ledger.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeReplayed Outcome = "replayed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeNotFound Outcome = "not_found"
	OutcomeIgnored  Outcome = "ignored"
)

// ReconciliationStore is the slice of the store the engine writes to.
type ReconciliationStore interface {
	store.AccountStore
	store.GroupStore
	store.LedgerStore
}

// GuildCacheInvalidator drops cached guild entitlements after a write.
type GuildCacheInvalidator interface {
	Invalidate(guildID string)
}

// ReconciliationService applies normalized Stripe events to the ledger and
// fans the resulting tier out to accounts and owned groups. Every write is
// idempotent so a redelivered event converges on the same state.
type ReconciliationService struct {
	store    ReconciliationStore
	resolver *tier.Resolver
	fetcher  SubscriptionFetcher
	notifier notification.Notifier
	cache    GuildCacheInvalidator
	now      func() time.Time
}

// NewReconciliationService wires the engine. fetcher, notifier and cache may
// be nil.
func NewReconciliationService(st ReconciliationStore, resolver *tier.Resolver, fetcher SubscriptionFetcher, notifier notification.Notifier, cache GuildCacheInvalidator) *ReconciliationService {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &ReconciliationService{
		store:    st,
		resolver: resolver,
		fetcher:  fetcher,
		notifier: notifier,
		cache:    cache,
		now:      time.Now,
	}
}

// Apply reconciles one event for the given domain. A non-nil error means the
// event should be retried.
func (s *ReconciliationService) Apply(ctx context.Context, domain subscription.Domain, ev billingevent.Event) (Outcome, error) {
	logger := log.With().
		Str("domain", string(domain)).
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Logger()

	switch p := ev.Payload.(type) {
	case *billingevent.CheckoutPayload:
		return s.applyCheckout(ctx, domain, p, logger)
	case *billingevent.SubscriptionPayload:
		if ev.Type == billingevent.TypeSubscriptionDeleted {
			return s.applyDeleted(ctx, p, logger)
		}
		return s.applyUpdated(ctx, p, logger)
	case *billingevent.InvoicePayload:
		return s.applyPaymentFailed(ctx, p, logger)
	default:
		logger.Debug().Str("stripe_type", ev.StripeType).Msg("Ignoring unhandled Stripe event")
		return OutcomeIgnored, nil
	}
}

type owner struct {
	accountID string
	groupID   string
	guildID   string
}

func ownerFromMetadata(domain subscription.Domain, md billingevent.Metadata) (owner, bool) {
	switch domain {
	case subscription.DomainGuild:
		guildID := md.GuildID()
		if guildID == "" {
			return owner{}, false
		}
		return owner{accountID: md.UserID(), groupID: premium.GuildGroupID(guildID), guildID: guildID}, true
	default:
		accountID := md.UserID()
		if accountID == "" {
			return owner{}, false
		}
		return owner{accountID: accountID, groupID: md.SquadID()}, true
	}
}

func (s *ReconciliationService) applyCheckout(ctx context.Context, domain subscription.Domain, p *billingevent.CheckoutPayload, logger zerolog.Logger) (Outcome, error) {
	logger = logger.With().Str("subscription_id", p.SubscriptionID).Str("session_id", p.SessionID).Logger()

	if p.SubscriptionID == "" {
		logger.Warn().Msg("Checkout session has no subscription, skipping")
		return OutcomeSkipped, nil
	}
	who, ok := ownerFromMetadata(domain, p.Metadata)
	if !ok {
		logger.Warn().Msg("Checkout session is missing owner metadata, skipping")
		return OutcomeSkipped, nil
	}

	existing, err := s.store.GetLedgerEntry(ctx, p.SubscriptionID)
	switch {
	case err == nil:
		return s.replayCheckout(ctx, existing, p.CustomerID, logger)
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("load ledger entry: %w", err)
	}

	entry, err := s.newEntry(ctx, domain, who, p, logger)
	if err != nil {
		return "", err
	}

	if err := s.store.CreateLedgerEntry(ctx, entry); err != nil {
		if !errors.Is(err, store.ErrUniqueViolation) {
			return "", fmt.Errorf("create ledger entry: %w", err)
		}
		// A concurrent delivery of the same checkout won the insert.
		existing, err := s.store.GetLedgerEntry(ctx, p.SubscriptionID)
		if err != nil {
			return "", fmt.Errorf("load ledger entry after conflict: %w", err)
		}
		return s.replayCheckout(ctx, existing, p.CustomerID, logger)
	}

	if err := s.publish(ctx, entry, p.CustomerID, logger); err != nil {
		return "", err
	}

	logger.Info().
		Str("account_id", entry.AccountID).
		Str("group_id", entry.GroupID).
		Str("tier", string(entry.Tier)).
		Msg("Subscription activated")
	return OutcomeApplied, nil
}

func (s *ReconciliationService) replayCheckout(ctx context.Context, entry *subscription.LedgerEntry, customerID string, logger zerolog.Logger) (Outcome, error) {
	if entry.Status.Terminal() {
		logger.Info().Msg("Checkout replayed for a cancelled subscription, skipping")
		return OutcomeSkipped, nil
	}
	if err := s.publish(ctx, entry, customerID, logger); err != nil {
		return "", err
	}
	logger.Info().Str("tier", string(entry.Tier)).Msg("Checkout replayed, fan-out re-applied")
	return OutcomeReplayed, nil
}

func (s *ReconciliationService) newEntry(ctx context.Context, domain subscription.Domain, who owner, p *billingevent.CheckoutPayload, logger zerolog.Logger) (*subscription.LedgerEntry, error) {
	now := s.now().UTC()
	entry := &subscription.LedgerEntry{
		ID:                   uuid.NewString(),
		StripeSubscriptionID: p.SubscriptionID,
		Domain:               domain,
		AccountID:            who.accountID,
		GroupID:              who.groupID,
		Status:               subscription.StatusActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	metadataTier := p.Metadata.Tier()
	if t, ok := tier.Parse(metadataTier); ok && t.IsPaid() {
		entry.Tier = t
		entry.TierSource = tier.SourceMetadata
		return entry, nil
	}
	if metadataTier != "" {
		logger.Warn().Str("metadata_tier", metadataTier).Msg("Ignoring invalid tier in checkout metadata")
	}

	var priceID string
	if s.fetcher != nil {
		sub, err := s.fetcher.FetchSubscription(ctx, p.SubscriptionID)
		switch {
		case err == nil:
			priceID = sub.PriceID
			entry.PriceID = sub.PriceID
			entry.CurrentPeriodStart = sub.CurrentPeriodStart
			entry.CurrentPeriodEnd = sub.CurrentPeriodEnd
			entry.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		case errors.Is(err, ErrSubscriptionNotFound):
			logger.Warn().Err(err).Msg("Subscription not found on Stripe, using fallback tier")
		default:
			return nil, fmt.Errorf("fetch subscription: %w", err)
		}
	}

	res := s.resolve("", priceID, domain, logger)
	entry.Tier, entry.TierSource = res.Tier, res.Source
	return entry, nil
}

// resolve wraps the resolver and raises the unknown-price alarm.
func (s *ReconciliationService) resolve(metadataTier, priceID string, domain subscription.Domain, logger zerolog.Logger) tier.Resolution {
	res := s.resolver.Resolve(metadataTier, priceID)
	if res.Source == tier.SourceFallback {
		metrics.UnknownPriceTotal.WithLabelValues(string(domain)).Inc()
		logger.Error().
			Str("price_id", priceID).
			Str("fallback_tier", string(res.Tier)).
			Msg("Unrecognized Stripe price id, granting lowest paid tier; check STRIPE_PRICE_* configuration")
	}
	return res
}

// needsResolve reports whether priceID should re-derive the entry's tier.
// A metadata tier stands until the price changes; a fallback tier is
// re-derived from every price Stripe reports.
func needsResolve(entry *subscription.LedgerEntry, priceID string) bool {
	switch {
	case priceID == "":
		return false
	case entry.TierSource == tier.SourceFallback:
		return true
	case priceID == entry.PriceID:
		return false
	default:
		return entry.PriceID != ""
	}
}

func (s *ReconciliationService) applyUpdated(ctx context.Context, p *billingevent.SubscriptionPayload, logger zerolog.Logger) (Outcome, error) {
	logger = logger.With().Str("subscription_id", p.SubscriptionID).Logger()

	entry, err := s.loadEntry(ctx, p.SubscriptionID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		logger.Info().Msg("No ledger entry for subscription update, ignoring")
		return OutcomeNotFound, nil
	}
	if entry.Status.Terminal() {
		logger.Info().Str("stripe_status", p.Status).Msg("Update for a cancelled subscription, ignoring")
		return OutcomeSkipped, nil
	}

	status, ok := subscription.StatusFromStripe(p.Status)
	if !ok {
		logger.Warn().Str("stripe_status", p.Status).Msg("Untracked Stripe status, keeping ledger status")
		status = entry.Status
	}
	if status == subscription.StatusCancelled {
		return s.downgrade(ctx, entry, p, logger)
	}

	next := *entry
	next.Status = status
	next.CancelAtPeriodEnd = p.CancelAtPeriodEnd
	if p.CurrentPeriodStart != nil {
		next.CurrentPeriodStart = p.CurrentPeriodStart
	}
	if p.CurrentPeriodEnd != nil {
		next.CurrentPeriodEnd = p.CurrentPeriodEnd
	}
	if needsResolve(entry, p.PriceID) {
		res := s.resolve(p.Metadata.Tier(), p.PriceID, entry.Domain, logger)
		next.Tier, next.TierSource = res.Tier, res.Source
	}
	if p.PriceID != "" {
		next.PriceID = p.PriceID
	}

	outcome := OutcomeReplayed
	if ledgerChanged(entry, &next) {
		next.UpdatedAt = s.now().UTC()
		err := s.store.UpdateLedgerEntry(ctx, &next)
		switch {
		case errors.Is(err, store.ErrStaleEntry):
			logger.Info().Str("stripe_status", p.Status).Msg("Subscription cancelled concurrently, dropping update")
			return s.settleCancelled(ctx, p.SubscriptionID, logger)
		case err != nil:
			return "", fmt.Errorf("update ledger entry: %w", err)
		}
		outcome = OutcomeApplied
	}

	if err := s.publish(ctx, &next, "", logger); err != nil {
		return "", err
	}

	if outcome == OutcomeApplied {
		logger.Info().
			Str("status", string(next.Status)).
			Str("tier", string(next.Tier)).
			Str("previous_status", string(entry.Status)).
			Str("previous_tier", string(entry.Tier)).
			Msg("Subscription updated")
	}
	return outcome, nil
}

func (s *ReconciliationService) applyDeleted(ctx context.Context, p *billingevent.SubscriptionPayload, logger zerolog.Logger) (Outcome, error) {
	logger = logger.With().Str("subscription_id", p.SubscriptionID).Logger()

	entry, err := s.loadEntry(ctx, p.SubscriptionID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		logger.Info().Msg("No ledger entry for deleted subscription, ignoring")
		return OutcomeNotFound, nil
	}
	return s.downgrade(ctx, entry, p, logger)
}

// downgrade moves an entry to its terminal state and resets the owner to the
// free tier. Repeating it only re-applies the fan-out.
func (s *ReconciliationService) downgrade(ctx context.Context, entry *subscription.LedgerEntry, p *billingevent.SubscriptionPayload, logger zerolog.Logger) (Outcome, error) {
	if entry.Status.Terminal() {
		if err := s.fanOut(ctx, entry, "", logger); err != nil {
			return "", err
		}
		return OutcomeReplayed, nil
	}

	next := *entry
	next.Status = subscription.StatusCancelled
	next.Tier = tier.Free
	next.CancelAtPeriodEnd = false
	if p != nil && p.CurrentPeriodEnd != nil {
		next.CurrentPeriodEnd = p.CurrentPeriodEnd
	}
	next.UpdatedAt = s.now().UTC()

	err := s.store.UpdateLedgerEntry(ctx, &next)
	switch {
	case errors.Is(err, store.ErrStaleEntry):
		// A concurrent delivery made the transition and sent the notice.
		if _, err := s.settleCancelled(ctx, entry.StripeSubscriptionID, logger); err != nil {
			return "", err
		}
		return OutcomeReplayed, nil
	case err != nil:
		return "", fmt.Errorf("update ledger entry: %w", err)
	}

	if err := s.fanOut(ctx, &next, "", logger); err != nil {
		return "", err
	}

	logger.Info().Str("previous_tier", string(entry.Tier)).Msg("Subscription cancelled, owner downgraded")
	s.notify(ctx, notification.KindDowngrade, &next, entry.Tier, logger)
	return OutcomeApplied, nil
}

// settleCancelled re-applies the downgrade fan-out of an entry another
// delivery has already cancelled.
func (s *ReconciliationService) settleCancelled(ctx context.Context, subscriptionID string, logger zerolog.Logger) (Outcome, error) {
	current, err := s.loadEntry(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	if current == nil {
		return OutcomeNotFound, nil
	}
	if err := s.fanOut(ctx, current, "", logger); err != nil {
		return "", err
	}
	return OutcomeSkipped, nil
}

func (s *ReconciliationService) applyPaymentFailed(ctx context.Context, p *billingevent.InvoicePayload, logger zerolog.Logger) (Outcome, error) {
	logger = logger.With().Str("subscription_id", p.SubscriptionID).Str("invoice_id", p.InvoiceID).Logger()

	if p.SubscriptionID == "" {
		logger.Debug().Msg("Failed invoice is not tied to a subscription, ignoring")
		return OutcomeSkipped, nil
	}

	entry, err := s.loadEntry(ctx, p.SubscriptionID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		logger.Info().Msg("No ledger entry for failed invoice, ignoring")
		return OutcomeNotFound, nil
	}

	switch entry.Status {
	case subscription.StatusCancelled:
		logger.Info().Msg("Payment failure for a cancelled subscription, ignoring")
		return OutcomeSkipped, nil
	case subscription.StatusPastDue:
		return OutcomeReplayed, nil
	}

	next := *entry
	next.Status = subscription.StatusPastDue
	next.UpdatedAt = s.now().UTC()
	err = s.store.UpdateLedgerEntry(ctx, &next)
	switch {
	case errors.Is(err, store.ErrStaleEntry):
		logger.Info().Msg("Subscription cancelled concurrently, ignoring payment failure")
		return OutcomeSkipped, nil
	case err != nil:
		return "", fmt.Errorf("update ledger entry: %w", err)
	}

	logger.Warn().Int64("attempt_count", p.AttemptCount).Msg("Subscription payment failed, marked past_due")
	s.notify(ctx, notification.KindPaymentFailed, &next, next.Tier, logger)
	return OutcomeApplied, nil
}

// loadEntry returns (nil, nil) when no entry exists.
func (s *ReconciliationService) loadEntry(ctx context.Context, subscriptionID string) (*subscription.LedgerEntry, error) {
	entry, err := s.store.GetLedgerEntry(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load ledger entry: %w", err)
	}
	return entry, nil
}

// publish fans entry out, then re-reads the ledger. A cancellation that
// committed in between is fanned out again so a paid tier never outlives it.
func (s *ReconciliationService) publish(ctx context.Context, entry *subscription.LedgerEntry, customerID string, logger zerolog.Logger) error {
	if err := s.fanOut(ctx, entry, customerID, logger); err != nil {
		return err
	}
	if entry.Status.Terminal() {
		return nil
	}

	current, err := s.loadEntry(ctx, entry.StripeSubscriptionID)
	if err != nil {
		return err
	}
	if current == nil || !current.Status.Terminal() {
		return nil
	}
	logger.Info().Msg("Subscription cancelled during fan-out, re-applying downgrade")
	return s.fanOut(ctx, current, "", logger)
}

// fanOut writes the entry's tier to everything that derives from it. A
// cancelled entry leaves alone any owner still held by another live entry.
func (s *ReconciliationService) fanOut(ctx context.Context, entry *subscription.LedgerEntry, customerID string, logger zerolog.Logger) error {
	ent := tier.EntitlementFor(entry.Tier)

	if entry.Domain == subscription.DomainGuild {
		guildID, ok := premium.GuildIDFromGroupID(entry.GroupID)
		if !ok {
			logger.Error().Str("group_id", entry.GroupID).Msg("Guild ledger entry has no guild group id")
			return nil
		}
		held, err := heldElsewhere(ctx, entry, entry.GroupID, s.store.HasLiveGroupEntry)
		if err != nil {
			return err
		}
		if held {
			logger.Info().Str("guild_id", guildID).Msg("Guild has another live subscription, downgrade not applied")
			return nil
		}
		if err := s.store.UpsertGuildEntitlement(ctx, guildID, ent); err != nil {
			return fmt.Errorf("upsert guild entitlement: %w", err)
		}
		if s.cache != nil {
			s.cache.Invalidate(guildID)
		}
		return nil
	}

	if entry.AccountID != "" {
		held, err := heldElsewhere(ctx, entry, entry.AccountID, s.store.HasLiveAccountEntry)
		if err != nil {
			return err
		}
		if held {
			logger.Info().Str("account_id", entry.AccountID).Msg("Account has another live subscription, downgrade not applied")
		} else {
			err = s.store.SetAccountTier(ctx, entry.AccountID, entry.Tier, customerID)
		}
		switch {
		case errors.Is(err, store.ErrNotFound):
			logger.Warn().Str("account_id", entry.AccountID).Msg("Account not found, tier not applied")
		case err != nil:
			return fmt.Errorf("set account tier: %w", err)
		}
	}

	if entry.GroupID != "" {
		held, err := heldElsewhere(ctx, entry, entry.GroupID, s.store.HasLiveGroupEntry)
		if err != nil {
			return err
		}
		if held {
			logger.Info().Str("squad_id", entry.GroupID).Msg("Squad has another live subscription, downgrade not applied")
		} else {
			err = s.store.SetSquadEntitlement(ctx, entry.GroupID, ent)
		}
		switch {
		case errors.Is(err, store.ErrNotFound):
			logger.Warn().Str("squad_id", entry.GroupID).Msg("Squad not found, entitlement not applied")
		case err != nil:
			return fmt.Errorf("set squad entitlement: %w", err)
		}
	}
	return nil
}

func (s *ReconciliationService) notify(ctx context.Context, kind notification.Kind, entry *subscription.LedgerEntry, t tier.Tier, logger zerolog.Logger) {
	n := notification.Notice{
		Kind:           kind,
		AccountID:      entry.AccountID,
		SubscriptionID: entry.StripeSubscriptionID,
		Tier:           t,
	}
	if guildID, ok := premium.GuildIDFromGroupID(entry.GroupID); ok && entry.Domain == subscription.DomainGuild {
		n.GuildID = guildID
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		logger.Warn().Err(err).Str("notice", string(kind)).Msg("Billing notification failed")
	}
}

// heldElsewhere reports whether a cancelled entry's owner is still covered by
// another non-cancelled entry. It is always false for a live entry.
func heldElsewhere(ctx context.Context, entry *subscription.LedgerEntry, owner string, live func(ctx context.Context, owner, exceptSubscriptionID string) (bool, error)) (bool, error) {
	if !entry.Status.Terminal() {
		return false, nil
	}
	held, err := live(ctx, owner, entry.StripeSubscriptionID)
	if err != nil {
		return false, fmt.Errorf("check live subscriptions: %w", err)
	}
	return held, nil
}

func ledgerChanged(a, b *subscription.LedgerEntry) bool {
	return a.Status != b.Status ||
		a.Tier != b.Tier ||
		a.PriceID != b.PriceID ||
		a.TierSource != b.TierSource ||
		a.CancelAtPeriodEnd != b.CancelAtPeriodEnd ||
		!sameTime(a.CurrentPeriodStart, b.CurrentPeriodStart) ||
		!sameTime(a.CurrentPeriodEnd, b.CurrentPeriodEnd)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
