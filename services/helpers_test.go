package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"squadPlannerAPI/internal/billingevent"
	"squadPlannerAPI/internal/notification"
	"squadPlannerAPI/internal/store"
	"squadPlannerAPI/internal/tier"
	"squadPlannerAPI/internal/types/user"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedAccount(t *testing.T, st store.AccountStore, id, username string) {
	t.Helper()
	require.NoError(t, st.CreateAccount(context.Background(), &user.Account{ID: id, Username: username}))
}

var testPrices = map[string]tier.Tier{
	"price_premium_monthly": tier.Premium,
	"price_sl_monthly":      tier.SquadLeader,
	"price_club_monthly":    tier.Club,
	"price_bot_monthly":     tier.Premium,
}

type fakeFetcher struct {
	mu    sync.Mutex
	subs  map[string]*billingevent.SubscriptionPayload
	err   error
	calls int
}

func (f *fakeFetcher) FetchSubscription(_ context.Context, id string) (*billingevent.SubscriptionPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notification.Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n notification.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recordingNotifier) count(kind notification.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, notice := range r.notices {
		if notice.Kind == kind {
			n++
		}
	}
	return n
}

type recordingCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (r *recordingCache) Invalidate(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, guildID)
}
