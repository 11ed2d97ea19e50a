package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"squadPlannerAPI/internal/tier"
	"squadPlannerAPI/internal/types/premium"
	"squadPlannerAPI/internal/types/subscription"
	"squadPlannerAPI/internal/types/user"
)

const pgUniqueViolation = "23505"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                 TEXT PRIMARY KEY,
	username           TEXT NOT NULL DEFAULT '',
	stripe_customer_id TEXT,
	subscription_tier  TEXT NOT NULL DEFAULT 'free',
	discord_user_id    TEXT UNIQUE,
	discord_username   TEXT,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS owned_groups (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	external_id TEXT,
	tier        TEXT NOT NULL DEFAULT 'free',
	is_premium  BOOLEAN NOT NULL DEFAULT FALSE,
	max_members INTEGER NOT NULL DEFAULT 10,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (kind, external_id)
);

CREATE TABLE IF NOT EXISTS subscription_ledger (
	id                     UUID PRIMARY KEY,
	stripe_subscription_id TEXT NOT NULL UNIQUE,
	domain                 TEXT NOT NULL,
	account_id             TEXT,
	group_id               TEXT,
	status                 TEXT NOT NULL,
	tier                   TEXT NOT NULL,
	price_id               TEXT NOT NULL DEFAULT '',
	tier_source            TEXT NOT NULL DEFAULT '',
	current_period_start   TIMESTAMPTZ,
	current_period_end     TIMESTAMPTZ,
	cancel_at_period_end   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL
);
ALTER TABLE subscription_ledger ADD COLUMN IF NOT EXISTS tier_source TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS idx_subscription_ledger_account ON subscription_ledger(account_id);
CREATE INDEX IF NOT EXISTS idx_subscription_ledger_group ON subscription_ledger(group_id);
`

// PostgresStore is the production Store backed by a pgx pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore opens a pool against databaseURL and pings it.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *user.Account) error {
	t := a.SubscriptionTier
	if t == "" {
		t = tier.Free
	}
	_, err := s.db.Exec(ctx, `
	INSERT INTO accounts (id, username, stripe_customer_id, subscription_tier, discord_user_id, discord_username, updated_at)
	VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), now())
	`, a.ID, a.Username, a.StripeCustomerID, string(t), a.DiscordUserID, a.DiscordUsername)
	if err != nil {
		return fmt.Errorf("create account: %w", translatePgError(err))
	}
	return nil
}

const pgAccountColumns = `id, username, COALESCE(stripe_customer_id, ''), subscription_tier,
	COALESCE(discord_user_id, ''), COALESCE(discord_username, ''), updated_at`

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*user.Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, id)
	return scanPgAccount(row)
}

func (s *PostgresStore) GetAccountByDiscordID(ctx context.Context, discordUserID string) (*user.Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+pgAccountColumns+` FROM accounts WHERE discord_user_id = $1`, discordUserID)
	return scanPgAccount(row)
}

func scanPgAccount(row pgx.Row) (*user.Account, error) {
	a := &user.Account{}
	var t string
	err := row.Scan(&a.ID, &a.Username, &a.StripeCustomerID, &t, &a.DiscordUserID, &a.DiscordUsername, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.SubscriptionTier = tier.Tier(t)
	return a, nil
}

func (s *PostgresStore) SetAccountTier(ctx context.Context, id string, t tier.Tier, stripeCustomerID string) error {
	tag, err := s.db.Exec(ctx, `
	UPDATE accounts
	SET subscription_tier = $2,
	    stripe_customer_id = COALESCE(NULLIF($3, ''), stripe_customer_id),
	    updated_at = now()
	WHERE id = $1
	`, id, string(t), stripeCustomerID)
	if err != nil {
		return fmt.Errorf("set account tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetDiscordIdentity(ctx context.Context, id, discordUserID, discordUsername string) error {
	tag, err := s.db.Exec(ctx, `
	UPDATE accounts
	SET discord_user_id = $2, discord_username = $3, updated_at = now()
	WHERE id = $1
	`, id, discordUserID, discordUsername)
	if err != nil {
		return fmt.Errorf("set discord identity: %w", translatePgError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearDiscordIdentity(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
	UPDATE accounts
	SET discord_user_id = NULL, discord_username = NULL, updated_at = now()
	WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("clear discord identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateSquad(ctx context.Context, id string) error {
	free := tier.EntitlementFor(tier.Free)
	_, err := s.db.Exec(ctx, `
	INSERT INTO owned_groups (id, kind, tier, is_premium, max_members, updated_at)
	VALUES ($1, $2, $3, $4, $5, now())
	`, id, string(premium.KindSquad), string(free.Tier), free.IsPremium, free.MaxMembers)
	if err != nil {
		return fmt.Errorf("create squad: %w", translatePgError(err))
	}
	return nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*premium.OwnedGroup, error) {
	g := &premium.OwnedGroup{}
	var kind, t string
	err := s.db.QueryRow(ctx, `
	SELECT id, kind, COALESCE(external_id, ''), tier, is_premium, max_members, updated_at
	FROM owned_groups
	WHERE id = $1
	`, id).Scan(&g.ID, &kind, &g.ExternalID, &t, &g.IsPremium, &g.MaxMembers, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	g.Kind = premium.GroupKind(kind)
	g.Tier = tier.Tier(t)
	return g, nil
}

func (s *PostgresStore) SetSquadEntitlement(ctx context.Context, squadID string, e tier.Entitlement) error {
	tag, err := s.db.Exec(ctx, `
	UPDATE owned_groups
	SET tier = $2, is_premium = $3, max_members = $4, updated_at = now()
	WHERE id = $1 AND kind = 'squad'
	`, squadID, string(e.Tier), e.IsPremium, e.MaxMembers)
	if err != nil {
		return fmt.Errorf("set squad entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertGuildEntitlement(ctx context.Context, guildID string, e tier.Entitlement) error {
	_, err := s.db.Exec(ctx, `
	INSERT INTO owned_groups (id, kind, external_id, tier, is_premium, max_members, updated_at)
	VALUES ($1, 'guild', $2, $3, $4, $5, now())
	ON CONFLICT (id) DO UPDATE
	SET tier = EXCLUDED.tier,
	    is_premium = EXCLUDED.is_premium,
	    max_members = EXCLUDED.max_members,
	    updated_at = EXCLUDED.updated_at
	`, premium.GuildGroupID(guildID), guildID, string(e.Tier), e.IsPremium, e.MaxMembers)
	if err != nil {
		return fmt.Errorf("upsert guild entitlement: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLedgerEntry(ctx context.Context, stripeSubscriptionID string) (*subscription.LedgerEntry, error) {
	e := &subscription.LedgerEntry{}
	var domain, status, t, source string
	err := s.db.QueryRow(ctx, `
	SELECT id::text, stripe_subscription_id, domain, COALESCE(account_id, ''), COALESCE(group_id, ''),
	       status, tier, price_id, tier_source, current_period_start, current_period_end, cancel_at_period_end,
	       created_at, updated_at
	FROM subscription_ledger
	WHERE stripe_subscription_id = $1
	`, stripeSubscriptionID).Scan(
		&e.ID, &e.StripeSubscriptionID, &domain, &e.AccountID, &e.GroupID,
		&status, &t, &e.PriceID, &source, &e.CurrentPeriodStart, &e.CurrentPeriodEnd, &e.CancelAtPeriodEnd,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	e.Domain = subscription.Domain(domain)
	e.Status = subscription.Status(status)
	e.Tier = tier.Tier(t)
	e.TierSource = tier.Source(source)
	return e, nil
}

func (s *PostgresStore) CreateLedgerEntry(ctx context.Context, e *subscription.LedgerEntry) error {
	_, err := s.db.Exec(ctx, `
	INSERT INTO subscription_ledger (
		id, stripe_subscription_id, domain, account_id, group_id, status, tier, price_id, tier_source,
		current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at
	) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		e.ID, e.StripeSubscriptionID, string(e.Domain), e.AccountID, e.GroupID,
		string(e.Status), string(e.Tier), e.PriceID, string(e.TierSource),
		e.CurrentPeriodStart, e.CurrentPeriodEnd, e.CancelAtPeriodEnd, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create ledger entry: %w", translatePgError(err))
	}
	return nil
}

func (s *PostgresStore) UpdateLedgerEntry(ctx context.Context, e *subscription.LedgerEntry) error {
	tag, err := s.db.Exec(ctx, `
	UPDATE subscription_ledger
	SET status = $2, tier = $3, price_id = $4, tier_source = $5,
	    current_period_start = $6, current_period_end = $7, cancel_at_period_end = $8,
	    updated_at = $9
	WHERE stripe_subscription_id = $1 AND status <> 'cancelled'
	`,
		e.StripeSubscriptionID, string(e.Status), string(e.Tier), e.PriceID, string(e.TierSource),
		e.CurrentPeriodStart, e.CurrentPeriodEnd, e.CancelAtPeriodEnd, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update ledger entry: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRow(ctx, `
	SELECT EXISTS (SELECT 1 FROM subscription_ledger WHERE stripe_subscription_id = $1)
	`, e.StripeSubscriptionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check ledger entry: %w", err)
	}
	if exists {
		return ErrStaleEntry
	}
	return ErrNotFound
}

func (s *PostgresStore) HasLiveAccountEntry(ctx context.Context, accountID, exceptSubscriptionID string) (bool, error) {
	if accountID == "" {
		return false, nil
	}
	var live bool
	err := s.db.QueryRow(ctx, `
	SELECT EXISTS (
		SELECT 1 FROM subscription_ledger
		WHERE account_id = $1 AND stripe_subscription_id <> $2 AND status <> 'cancelled'
	)
	`, accountID, exceptSubscriptionID).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("check live ledger entries: %w", err)
	}
	return live, nil
}

func (s *PostgresStore) HasLiveGroupEntry(ctx context.Context, groupID, exceptSubscriptionID string) (bool, error) {
	if groupID == "" {
		return false, nil
	}
	var live bool
	err := s.db.QueryRow(ctx, `
	SELECT EXISTS (
		SELECT 1 FROM subscription_ledger
		WHERE group_id = $1 AND stripe_subscription_id <> $2 AND status <> 'cancelled'
	)
	`, groupID, exceptSubscriptionID).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("check live ledger entries: %w", err)
	}
	return live, nil
}

// translatePgError turns a unique-constraint violation into
// ErrUniqueViolation, keeping the driver error in the chain.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}
