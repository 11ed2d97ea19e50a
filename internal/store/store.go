// Package store persists accounts, owned groups and the subscription ledger.
// Every operation is a point lookup by key or a single-row write; callers
// never need a multi-row transaction.
package store

import (
	"context"
	"errors"

	"squadPlannerAPI/internal/tier"
	"squadPlannerAPI/internal/types/premium"
	"squadPlannerAPI/internal/types/subscription"
	"squadPlannerAPI/internal/types/user"
)

var (
	// ErrNotFound is returned when a lookup or keyed update matches no row.
	ErrNotFound = errors.New("store: record not found")

	// ErrUniqueViolation is returned when a write collides with a uniqueness
	// constraint, e.g. a Discord identity already bound to another account
	// or a ledger entry that already exists.
	ErrUniqueViolation = errors.New("store: unique constraint violation")

	// ErrStaleEntry is returned by UpdateLedgerEntry when the stored entry
	// is already cancelled. Cancelled entries are never rewritten.
	ErrStaleEntry = errors.New("store: ledger entry is cancelled")
)

type AccountStore interface {
	CreateAccount(ctx context.Context, a *user.Account) error
	GetAccount(ctx context.Context, id string) (*user.Account, error)
	GetAccountByDiscordID(ctx context.Context, discordUserID string) (*user.Account, error)
	// SetAccountTier overwrites the tier. An empty stripeCustomerID keeps
	// the stored customer reference.
	SetAccountTier(ctx context.Context, id string, t tier.Tier, stripeCustomerID string) error
	SetDiscordIdentity(ctx context.Context, id, discordUserID, discordUsername string) error
	ClearDiscordIdentity(ctx context.Context, id string) error
}

type GroupStore interface {
	CreateSquad(ctx context.Context, id string) error
	GetGroup(ctx context.Context, id string) (*premium.OwnedGroup, error)
	SetSquadEntitlement(ctx context.Context, squadID string, e tier.Entitlement) error
	UpsertGuildEntitlement(ctx context.Context, guildID string, e tier.Entitlement) error
}

type LedgerStore interface {
	GetLedgerEntry(ctx context.Context, stripeSubscriptionID string) (*subscription.LedgerEntry, error)
	// CreateLedgerEntry returns ErrUniqueViolation when an entry for the
	// same Stripe subscription already exists.
	CreateLedgerEntry(ctx context.Context, e *subscription.LedgerEntry) error
	// UpdateLedgerEntry rewrites a non-cancelled entry. It returns
	// ErrStaleEntry when the stored entry is cancelled and ErrNotFound when
	// there is none.
	UpdateLedgerEntry(ctx context.Context, e *subscription.LedgerEntry) error
	// HasLiveAccountEntry reports whether accountID owns a non-cancelled
	// entry other than exceptSubscriptionID.
	HasLiveAccountEntry(ctx context.Context, accountID, exceptSubscriptionID string) (bool, error)
	// HasLiveGroupEntry is HasLiveAccountEntry for an owned group.
	HasLiveGroupEntry(ctx context.Context, groupID, exceptSubscriptionID string) (bool, error)
}

type Store interface {
	AccountStore
	GroupStore
	LedgerStore
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
