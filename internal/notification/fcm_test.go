package notification

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadPlannerAPI/internal/tier"
)

type recordingSender struct {
	messages []*messaging.Message
	err      error
}

func (r *recordingSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.messages = append(r.messages, m)
	return "projects/test/messages/1", nil
}

func TestNoticeTopic(t *testing.T) {
	topic, err := Notice{Kind: KindDowngrade, AccountID: "user_2abc"}.Topic()
	require.NoError(t, err)
	assert.Equal(t, "billing_account_user_2abc", topic)

	topic, err = Notice{Kind: KindDowngrade, AccountID: "user_1", GuildID: "998877"}.Topic()
	require.NoError(t, err)
	assert.Equal(t, "billing_guild_998877", topic)

	topic, err = Notice{Kind: KindDowngrade, AccountID: "a b/c"}.Topic()
	require.NoError(t, err)
	assert.Equal(t, "billing_account_a_b_c", topic)

	_, err = Notice{Kind: KindPaymentFailed}.Topic()
	assert.Error(t, err)
}

func TestFCMService_Notify(t *testing.T) {
	sender := &recordingSender{}
	svc := &FCMService{client: sender}

	err := svc.Notify(context.Background(), Notice{
		Kind:           KindPaymentFailed,
		AccountID:      "user_1",
		SubscriptionID: "sub_1",
		Tier:           tier.Club,
	})
	require.NoError(t, err)
	require.Len(t, sender.messages, 1)

	m := sender.messages[0]
	assert.Equal(t, "billing_account_user_1", m.Topic)
	assert.Equal(t, "payment_failed", m.Data["type"])
	assert.Equal(t, "sub_1", m.Data["subscription_id"])
	assert.Equal(t, "club", m.Data["tier"])
	assert.NotEmpty(t, m.Notification.Title)
}

func TestFCMService_NotifyFailure(t *testing.T) {
	svc := &FCMService{client: &recordingSender{err: errors.New("unavailable")}}

	err := svc.Notify(context.Background(), Notice{Kind: KindDowngrade, GuildID: "42"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing_guild_42")

	err = svc.Notify(context.Background(), Notice{Kind: KindDowngrade})
	assert.Error(t, err)
}
