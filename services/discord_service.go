package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"squadPlannerAPI/internal/apperr"
	"squadPlannerAPI/internal/config"
)

// DiscordProfile is the subset of /users/@me the linker stores.
type DiscordProfile struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
}

// DisplayName prefers the global display name over the unique username.
func (p *DiscordProfile) DisplayName() string {
	if name := strings.TrimSpace(p.GlobalName); name != "" {
		return name
	}
	return p.Username
}

// DiscordAuthenticator turns a one-time OAuth code into a Discord identity.
type DiscordAuthenticator interface {
	ExchangeIdentity(ctx context.Context, code, redirectURI string) (*DiscordProfile, error)
}

type DiscordService struct {
	oauth      oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

func NewDiscordService(cfg config.DiscordConfig) *DiscordService {
	return NewDiscordServiceWithClient(cfg, &http.Client{Timeout: 10 * time.Second})
}

// NewDiscordServiceWithClient routes token and profile calls through
// httpClient.
func NewDiscordServiceWithClient(cfg config.DiscordConfig, httpClient *http.Client) *DiscordService {
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	return &DiscordService{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       []string{"identify"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth2/authorize",
				TokenURL:  base + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBaseURL: base,
		httpClient: httpClient,
	}
}

func (s *DiscordService) ExchangeIdentity(ctx context.Context, code, redirectURI string) (*DiscordProfile, error) {
	const op = "discord.ExchangeIdentity"

	if s.oauth.ClientID == "" || s.oauth.ClientSecret == "" {
		return nil, apperr.Configuration(op, "Discord integration is not configured on the server", nil)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)

	conf := s.oauth
	conf.RedirectURL = redirectURI
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, mapExchangeError(op, redirectURI, err)
	}

	profile, err := s.fetchProfile(ctx, conf.TokenSource(ctx, tok))
	if err != nil {
		return nil, apperr.Upstream(op, "could not fetch Discord profile", err)
	}
	return profile, nil
}

func mapExchangeError(op, redirectURI string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return apperr.Upstream(op, "Discord is unreachable", err)
	}

	switch retrieveErr.ErrorCode {
	case "invalid_grant":
		return apperr.Validation(op,
			fmt.Sprintf("authorization code is invalid or expired (redirect_uri sent: %s)", redirectURI), err)
	case "invalid_client":
		return apperr.Configuration(op, "Discord client credentials are misconfigured on the server", err)
	}
	if desc := strings.TrimSpace(retrieveErr.ErrorDescription); desc != "" {
		return apperr.Validation(op, "discord: "+desc, err)
	}
	if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
		return apperr.Upstream(op, "Discord token endpoint failed", err)
	}
	return apperr.Validation(op, "Discord rejected the authorization code", err)
}

func (s *DiscordService) fetchProfile(ctx context.Context, ts oauth2.TokenSource) (*DiscordProfile, error) {
	client := oauth2.NewClient(ctx, ts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBaseURL+"/users/@me", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get /users/@me: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("get /users/@me: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var profile DiscordProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode discord profile: %w", err)
	}
	if profile.ID == "" {
		return nil, errors.New("discord profile has no id")
	}
	return &profile, nil
}
