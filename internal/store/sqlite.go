package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"squadPlannerAPI/internal/tier"
	"squadPlannerAPI/internal/types/premium"
	"squadPlannerAPI/internal/types/subscription"
	"squadPlannerAPI/internal/types/user"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id                 TEXT PRIMARY KEY,
	username           TEXT NOT NULL DEFAULT '',
	stripe_customer_id TEXT,
	subscription_tier  TEXT NOT NULL DEFAULT 'free',
	discord_user_id    TEXT UNIQUE,
	discord_username   TEXT,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS owned_groups (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	external_id TEXT,
	tier        TEXT NOT NULL DEFAULT 'free',
	is_premium  INTEGER NOT NULL DEFAULT 0,
	max_members INTEGER NOT NULL DEFAULT 10,
	updated_at  INTEGER NOT NULL,
	UNIQUE (kind, external_id)
);

CREATE TABLE IF NOT EXISTS subscription_ledger (
	id                     TEXT PRIMARY KEY,
	stripe_subscription_id TEXT NOT NULL UNIQUE,
	domain                 TEXT NOT NULL,
	account_id             TEXT,
	group_id               TEXT,
	status                 TEXT NOT NULL,
	tier                   TEXT NOT NULL,
	price_id               TEXT NOT NULL DEFAULT '',
	tier_source            TEXT NOT NULL DEFAULT '',
	current_period_start   INTEGER,
	current_period_end     INTEGER,
	cancel_at_period_end   INTEGER NOT NULL DEFAULT 0,
	created_at             INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscription_ledger_account ON subscription_ledger(account_id);
CREATE INDEX IF NOT EXISTS idx_subscription_ledger_group ON subscription_ledger(group_id);
`

// SQLiteStore is a single-file Store for local development and tests.
// Timestamps are stored as unix seconds.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = filepath.Clean(strings.TrimSpace(dbPath))
	if dbPath == "" || dbPath == "." {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite data dir: %w", err)
	}

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &SQLiteStore{db: db, dbPath: dbPath, now: time.Now}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *user.Account) error {
	t := a.SubscriptionTier
	if t == "" {
		t = tier.Free
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO accounts (id, username, stripe_customer_id, subscription_tier, discord_user_id, discord_username, updated_at)
	VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?)
	`, a.ID, a.Username, a.StripeCustomerID, string(t), a.DiscordUserID, a.DiscordUsername, s.now().Unix())
	if err != nil {
		return fmt.Errorf("create account: %w", translateSQLiteError(err))
	}
	return nil
}

const sqliteAccountColumns = `id, username, COALESCE(stripe_customer_id, ''), subscription_tier,
	COALESCE(discord_user_id, ''), COALESCE(discord_username, ''), updated_at`

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*user.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, id)
	return scanSQLiteAccount(row)
}

func (s *SQLiteStore) GetAccountByDiscordID(ctx context.Context, discordUserID string) (*user.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAccountColumns+` FROM accounts WHERE discord_user_id = ?`, discordUserID)
	return scanSQLiteAccount(row)
}

func scanSQLiteAccount(row *sql.Row) (*user.Account, error) {
	a := &user.Account{}
	var t string
	var updatedAt int64
	err := row.Scan(&a.ID, &a.Username, &a.StripeCustomerID, &t, &a.DiscordUserID, &a.DiscordUsername, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.SubscriptionTier = tier.Tier(t)
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return a, nil
}

func (s *SQLiteStore) SetAccountTier(ctx context.Context, id string, t tier.Tier, stripeCustomerID string) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE accounts
	SET subscription_tier = ?,
	    stripe_customer_id = COALESCE(NULLIF(?, ''), stripe_customer_id),
	    updated_at = ?
	WHERE id = ?
	`, string(t), stripeCustomerID, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set account tier: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) SetDiscordIdentity(ctx context.Context, id, discordUserID, discordUsername string) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE accounts
	SET discord_user_id = ?, discord_username = ?, updated_at = ?
	WHERE id = ?
	`, discordUserID, discordUsername, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set discord identity: %w", translateSQLiteError(err))
	}
	return requireAffected(res)
}

func (s *SQLiteStore) ClearDiscordIdentity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE accounts
	SET discord_user_id = NULL, discord_username = NULL, updated_at = ?
	WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("clear discord identity: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) CreateSquad(ctx context.Context, id string) error {
	free := tier.EntitlementFor(tier.Free)
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO owned_groups (id, kind, tier, is_premium, max_members, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, id, string(premium.KindSquad), string(free.Tier), free.IsPremium, free.MaxMembers, s.now().Unix())
	if err != nil {
		return fmt.Errorf("create squad: %w", translateSQLiteError(err))
	}
	return nil
}

func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*premium.OwnedGroup, error) {
	g := &premium.OwnedGroup{}
	var kind, t string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
	SELECT id, kind, COALESCE(external_id, ''), tier, is_premium, max_members, updated_at
	FROM owned_groups
	WHERE id = ?
	`, id).Scan(&g.ID, &kind, &g.ExternalID, &t, &g.IsPremium, &g.MaxMembers, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	g.Kind = premium.GroupKind(kind)
	g.Tier = tier.Tier(t)
	g.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return g, nil
}

func (s *SQLiteStore) SetSquadEntitlement(ctx context.Context, squadID string, e tier.Entitlement) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE owned_groups
	SET tier = ?, is_premium = ?, max_members = ?, updated_at = ?
	WHERE id = ? AND kind = 'squad'
	`, string(e.Tier), e.IsPremium, e.MaxMembers, s.now().Unix(), squadID)
	if err != nil {
		return fmt.Errorf("set squad entitlement: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) UpsertGuildEntitlement(ctx context.Context, guildID string, e tier.Entitlement) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO owned_groups (id, kind, external_id, tier, is_premium, max_members, updated_at)
	VALUES (?, 'guild', ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE
	SET tier = excluded.tier,
	    is_premium = excluded.is_premium,
	    max_members = excluded.max_members,
	    updated_at = excluded.updated_at
	`, premium.GuildGroupID(guildID), guildID, string(e.Tier), e.IsPremium, e.MaxMembers, s.now().Unix())
	if err != nil {
		return fmt.Errorf("upsert guild entitlement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLedgerEntry(ctx context.Context, stripeSubscriptionID string) (*subscription.LedgerEntry, error) {
	e := &subscription.LedgerEntry{}
	var domain, status, t, source string
	var periodStart, periodEnd sql.NullInt64
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
	SELECT id, stripe_subscription_id, domain, COALESCE(account_id, ''), COALESCE(group_id, ''),
	       status, tier, price_id, tier_source, current_period_start, current_period_end, cancel_at_period_end,
	       created_at, updated_at
	FROM subscription_ledger
	WHERE stripe_subscription_id = ?
	`, stripeSubscriptionID).Scan(
		&e.ID, &e.StripeSubscriptionID, &domain, &e.AccountID, &e.GroupID,
		&status, &t, &e.PriceID, &source, &periodStart, &periodEnd, &e.CancelAtPeriodEnd,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	e.Domain = subscription.Domain(domain)
	e.Status = subscription.Status(status)
	e.Tier = tier.Tier(t)
	e.TierSource = tier.Source(source)
	e.CurrentPeriodStart = fromUnix(periodStart)
	e.CurrentPeriodEnd = fromUnix(periodEnd)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return e, nil
}

func (s *SQLiteStore) CreateLedgerEntry(ctx context.Context, e *subscription.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO subscription_ledger (
		id, stripe_subscription_id, domain, account_id, group_id, status, tier, price_id, tier_source,
		current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at
	) VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.StripeSubscriptionID, string(e.Domain), e.AccountID, e.GroupID,
		string(e.Status), string(e.Tier), e.PriceID, string(e.TierSource),
		toUnix(e.CurrentPeriodStart), toUnix(e.CurrentPeriodEnd), e.CancelAtPeriodEnd,
		e.CreatedAt.Unix(), e.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create ledger entry: %w", translateSQLiteError(err))
	}
	return nil
}

func (s *SQLiteStore) UpdateLedgerEntry(ctx context.Context, e *subscription.LedgerEntry) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE subscription_ledger
	SET status = ?, tier = ?, price_id = ?, tier_source = ?,
	    current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?,
	    updated_at = ?
	WHERE stripe_subscription_id = ? AND status <> 'cancelled'
	`,
		string(e.Status), string(e.Tier), e.PriceID, string(e.TierSource),
		toUnix(e.CurrentPeriodStart), toUnix(e.CurrentPeriodEnd), e.CancelAtPeriodEnd,
		e.UpdatedAt.Unix(), e.StripeSubscriptionID,
	)
	if err != nil {
		return fmt.Errorf("update ledger entry: %w", err)
	}
	err = requireAffected(res)
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM subscription_ledger WHERE stripe_subscription_id = ?`, e.StripeSubscriptionID).Scan(&exists)
	switch {
	case err == nil:
		return ErrStaleEntry
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	default:
		return fmt.Errorf("check ledger entry: %w", err)
	}
}

func (s *SQLiteStore) HasLiveAccountEntry(ctx context.Context, accountID, exceptSubscriptionID string) (bool, error) {
	return s.hasLiveEntry(ctx, "account_id", accountID, exceptSubscriptionID)
}

func (s *SQLiteStore) HasLiveGroupEntry(ctx context.Context, groupID, exceptSubscriptionID string) (bool, error) {
	return s.hasLiveEntry(ctx, "group_id", groupID, exceptSubscriptionID)
}

// column is one of the two owner columns, never caller input.
func (s *SQLiteStore) hasLiveEntry(ctx context.Context, column, owner, exceptSubscriptionID string) (bool, error) {
	if owner == "" {
		return false, nil
	}
	var live bool
	err := s.db.QueryRowContext(ctx, `
	SELECT EXISTS (
		SELECT 1 FROM subscription_ledger
		WHERE `+column+` = ? AND stripe_subscription_id <> ? AND status <> 'cancelled'
	)
	`, owner, exceptSubscriptionID).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("check live ledger entries: %w", err)
	}
	return live, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func translateSQLiteError(err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}
