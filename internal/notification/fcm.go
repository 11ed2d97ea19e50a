package notification

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"squadPlannerAPI/internal/config"
	"squadPlannerAPI/internal/metrics"
)

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMService pushes billing notices to per-owner FCM topics.
type FCMService struct {
	client messageSender
}

// NewFCMService initializes FCMService. Base64 service-account JSON wins over
// the credentials file.
func NewFCMService(ctx context.Context, cfg config.FCMConfig) (*FCMService, error) {
	var opt option.ClientOption

	if cfg.ServiceAccountJSONB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(cfg.ServiceAccountJSONB64)
		if err != nil {
			return nil, fmt.Errorf("decode base64 firebase credentials: %w", err)
		}
		opt = option.WithCredentialsJSON(decoded)
		log.Info().Msg("FCM: initializing from FCM_SERVICE_ACCOUNT_JSON")
	} else {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("firebase credentials file %q: %w", cfg.CredentialsFile, err)
		}
		opt = option.WithCredentialsFile(cfg.CredentialsFile)
		log.Info().Str("file", cfg.CredentialsFile).Msg("FCM: initializing from credentials file")
	}

	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("get messaging client: %w", err)
	}

	return &FCMService{client: client}, nil
}

func (s *FCMService) Notify(ctx context.Context, n Notice) error {
	topic, err := n.Topic()
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "invalid").Inc()
		return err
	}

	title, body := n.content()
	data := map[string]string{
		"type":            string(n.Kind),
		"subscription_id": n.SubscriptionID,
		"tier":            string(n.Tier),
	}
	if n.GuildID != "" {
		data["guild_id"] = n.GuildID
	}

	message := &messaging.Message{
		Topic: topic,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound: "default",
			},
		},
	}

	id, err := s.client.Send(ctx, message)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "failed").Inc()
		return fmt.Errorf("fcm send to %s: %w", topic, err)
	}

	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "sent").Inc()
	log.Debug().Str("topic", topic).Str("message_id", id).Msg("FCM: billing notice sent")
	return nil
}
