package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"modernc.org/sqlite"

	"squadPlannerAPI/internal/tier"
	"squadPlannerAPI/internal/types/premium"
	"squadPlannerAPI/internal/types/subscription"
	"squadPlannerAPI/internal/types/user"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore_MigrateIsRepeatable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSQLiteStore_AccountTier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, &user.Account{ID: "user_1", Username: "alice"}))

	a, err := s.GetAccount(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, tier.Free, a.SubscriptionTier)
	assert.Empty(t, a.StripeCustomerID)

	require.NoError(t, s.SetAccountTier(ctx, "user_1", tier.Club, "cus_123"))
	a, err = s.GetAccount(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, tier.Club, a.SubscriptionTier)
	assert.Equal(t, "cus_123", a.StripeCustomerID)

	// empty customer id keeps the stored one
	require.NoError(t, s.SetAccountTier(ctx, "user_1", tier.Free, ""))
	a, err = s.GetAccount(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, tier.Free, a.SubscriptionTier)
	assert.Equal(t, "cus_123", a.StripeCustomerID)

	assert.ErrorIs(t, s.SetAccountTier(ctx, "missing", tier.Premium, ""), ErrNotFound)
	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DiscordIdentityIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, &user.Account{ID: "user_a", Username: "alice"}))
	require.NoError(t, s.CreateAccount(ctx, &user.Account{ID: "user_b", Username: "bob"}))

	require.NoError(t, s.SetDiscordIdentity(ctx, "user_a", "disc_1", "Alice#1"))

	err := s.SetDiscordIdentity(ctx, "user_b", "disc_1", "Alice#1")
	assert.ErrorIs(t, err, ErrUniqueViolation)

	holder, err := s.GetAccountByDiscordID(ctx, "disc_1")
	require.NoError(t, err)
	assert.Equal(t, "user_a", holder.ID)

	require.NoError(t, s.ClearDiscordIdentity(ctx, "user_a"))
	_, err = s.GetAccountByDiscordID(ctx, "disc_1")
	assert.ErrorIs(t, err, ErrNotFound)

	// unlinked accounts do not collide on NULL
	require.NoError(t, s.SetDiscordIdentity(ctx, "user_b", "disc_1", "Alice#1"))
	b, err := s.GetAccount(ctx, "user_b")
	require.NoError(t, err)
	assert.True(t, b.HasDiscord())
}

func TestSQLiteStore_ConcurrentDiscordClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := []string{"user_1", "user_2", "user_3", "user_4"}
	for _, id := range ids {
		require.NoError(t, s.CreateAccount(ctx, &user.Account{ID: id, Username: id}))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = s.SetDiscordIdentity(ctx, id, "disc_shared", "shared")
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrUniqueViolation)
	}
	assert.Equal(t, 1, succeeded)
}

func TestSQLiteStore_SquadEntitlement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSquad(ctx, "squad_1"))
	g, err := s.GetGroup(ctx, "squad_1")
	require.NoError(t, err)
	assert.Equal(t, premium.KindSquad, g.Kind)
	assert.Equal(t, tier.EntitlementFor(tier.Free), g.Entitlement())

	require.NoError(t, s.SetSquadEntitlement(ctx, "squad_1", tier.EntitlementFor(tier.SquadLeader)))
	g, err = s.GetGroup(ctx, "squad_1")
	require.NoError(t, err)
	assert.True(t, g.IsPremium)
	assert.Equal(t, 50, g.MaxMembers)

	assert.ErrorIs(t, s.SetSquadEntitlement(ctx, "squad_missing", tier.EntitlementFor(tier.Club)), ErrNotFound)
	assert.ErrorIs(t, s.CreateSquad(ctx, "squad_1"), ErrUniqueViolation)
}

func TestSQLiteStore_GuildEntitlementUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertGuildEntitlement(ctx, "1234", tier.EntitlementFor(tier.Premium)))
	require.NoError(t, s.UpsertGuildEntitlement(ctx, "1234", tier.EntitlementFor(tier.Club)))

	g, err := s.GetGroup(ctx, premium.GuildGroupID("1234"))
	require.NoError(t, err)
	assert.Equal(t, premium.KindGuild, g.Kind)
	assert.Equal(t, "1234", g.ExternalID)
	assert.Equal(t, tier.Club, g.Tier)
	assert.Equal(t, 100, g.MaxMembers)
}

func TestSQLiteStore_Ledger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0).UTC()
	end := now.Add(30 * 24 * time.Hour)
	entry := &subscription.LedgerEntry{
		ID:                   uuid.NewString(),
		StripeSubscriptionID: "sub_1",
		Domain:               subscription.DomainWeb,
		AccountID:            "user_1",
		Status:               subscription.StatusActive,
		Tier:                 tier.Premium,
		PriceID:              "price_premium",
		TierSource:           tier.SourcePrice,
		CurrentPeriodEnd:     &end,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, s.CreateLedgerEntry(ctx, entry))

	dup := *entry
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.CreateLedgerEntry(ctx, &dup), ErrUniqueViolation)

	got, err := s.GetLedgerEntry(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, subscription.DomainWeb, got.Domain)
	assert.Equal(t, tier.SourcePrice, got.TierSource)
	assert.Empty(t, got.GroupID)
	assert.Nil(t, got.CurrentPeriodStart)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, end.Equal(*got.CurrentPeriodEnd))

	got.Status = subscription.StatusCancelled
	got.Tier = tier.Free
	got.UpdatedAt = now.Add(time.Hour)
	require.NoError(t, s.UpdateLedgerEntry(ctx, got))

	got, err = s.GetLedgerEntry(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, got.Status)
	assert.Equal(t, tier.Free, got.Tier)

	// cancelled rows are final
	revived := *got
	revived.Status = subscription.StatusActive
	revived.Tier = tier.Premium
	assert.ErrorIs(t, s.UpdateLedgerEntry(ctx, &revived), ErrStaleEntry)
	got, err = s.GetLedgerEntry(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, got.Status)
	assert.Equal(t, tier.Free, got.Tier)

	_, err = s.GetLedgerEntry(ctx, "sub_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateLedgerEntry(ctx, &subscription.LedgerEntry{StripeSubscriptionID: "sub_missing"}), ErrNotFound)
}

func TestSQLiteStore_LiveEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	add := func(subID, accountID, groupID string, status subscription.Status) {
		require.NoError(t, s.CreateLedgerEntry(ctx, &subscription.LedgerEntry{
			ID:                   uuid.NewString(),
			StripeSubscriptionID: subID,
			Domain:               subscription.DomainWeb,
			AccountID:            accountID,
			GroupID:              groupID,
			Status:               status,
			Tier:                 tier.Premium,
			CreatedAt:            now,
			UpdatedAt:            now,
		}))
	}
	add("sub_old", "user_1", "squad_1", subscription.StatusCancelled)
	add("sub_new", "user_1", "squad_1", subscription.StatusPastDue)
	add("sub_gone", "user_2", "squad_2", subscription.StatusCancelled)

	live, err := s.HasLiveAccountEntry(ctx, "user_1", "sub_old")
	require.NoError(t, err)
	assert.True(t, live)

	live, err = s.HasLiveAccountEntry(ctx, "user_1", "sub_new")
	require.NoError(t, err)
	assert.False(t, live, "the excluded subscription does not count")

	live, err = s.HasLiveGroupEntry(ctx, "squad_1", "sub_old")
	require.NoError(t, err)
	assert.True(t, live)

	live, err = s.HasLiveGroupEntry(ctx, "squad_2", "")
	require.NoError(t, err)
	assert.False(t, live, "cancelled entries are not live")

	live, err = s.HasLiveAccountEntry(ctx, "", "sub_old")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestTranslateSQLiteError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `INSERT INTO subscription_ledger (id) VALUES ('x')`)
	require.Error(t, err)
	err = translateSQLiteError(err)
	assert.NotErrorIs(t, err, ErrUniqueViolation, "NOT NULL failures are not conflicts")

	_, err = s.db.ExecContext(ctx, `INSERT INTO accounts (id, updated_at) VALUES ('user_1', 0)`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO accounts (id, updated_at) VALUES ('user_1', 0)`)
	require.Error(t, err)
	err = translateSQLiteError(err)
	assert.ErrorIs(t, err, ErrUniqueViolation)
	var sqliteErr *sqlite.Error
	assert.True(t, errors.As(err, &sqliteErr), "driver error stays in the chain")

	plain := errors.New("disk full")
	assert.Same(t, plain, translateSQLiteError(plain))
}
