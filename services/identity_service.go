package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"squadPlannerAPI/internal/apperr"
	"squadPlannerAPI/internal/metrics"
	"squadPlannerAPI/internal/store"
	"squadPlannerAPI/internal/types/user"
)

const (
	ActionLinked   = "linked"
	ActionUnlinked = "unlinked"
)

// IdentityService binds at most one Discord identity to each account and
// each Discord identity to at most one account. The uniqueness constraint on
// the store is the authority; the pre-check only produces a friendlier error.
type IdentityService struct {
	accounts store.AccountStore
	discord  DiscordAuthenticator
}

func NewIdentityService(accounts store.AccountStore, discord DiscordAuthenticator) *IdentityService {
	return &IdentityService{accounts: accounts, discord: discord}
}

func (s *IdentityService) Link(ctx context.Context, accountID, code, redirectURI string) (*user.DiscordLinkResponse, error) {
	const op = "identity.Link"

	code = strings.TrimSpace(code)
	redirectURI = strings.TrimSpace(redirectURI)
	if code == "" {
		return nil, apperr.Validation(op, "missing OAuth code", nil)
	}
	if redirectURI == "" {
		return nil, apperr.Validation(op, "missing redirect_uri", nil)
	}

	if _, err := s.accounts.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.fail("not_found", apperr.NotFound(op, "account not found", err))
		}
		return nil, s.fail("error", apperr.Internal(op, "could not load account", err))
	}

	profile, err := s.discord.ExchangeIdentity(ctx, code, redirectURI)
	if err != nil {
		return nil, s.fail("discord_error", err)
	}

	logger := log.With().Str("account_id", accountID).Str("discord_user_id", profile.ID).Logger()

	holder, err := s.accounts.GetAccountByDiscordID(ctx, profile.ID)
	switch {
	case err == nil && holder.ID != accountID:
		logger.Info().Str("holder_account_id", holder.ID).Msg("Discord identity already linked to another account")
		return nil, s.fail("conflict", conflictError(op, holder))
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, s.fail("error", apperr.Internal(op, "could not check existing Discord links", err))
	}

	displayName := profile.DisplayName()
	if err := s.accounts.SetDiscordIdentity(ctx, accountID, profile.ID, displayName); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			// Lost a race against another account claiming the same identity.
			holder, lookupErr := s.accounts.GetAccountByDiscordID(ctx, profile.ID)
			if lookupErr != nil {
				holder = nil
			}
			logger.Info().Msg("Discord identity claimed concurrently by another account")
			return nil, s.fail("conflict", conflictError(op, holder))
		}
		logger.Error().Err(err).Msg("Failed to save Discord identity")
		return nil, s.fail("error", apperr.Internal(op,
			"could not save your Discord profile; the authorization code has already been used, please restart the Discord authorization", err))
	}

	metrics.IdentityLinkTotal.WithLabelValues(ActionLinked).Inc()
	logger.Info().Str("discord_username", displayName).Msg("Discord identity linked")

	return &user.DiscordLinkResponse{
		Success:         true,
		Action:          ActionLinked,
		DiscordUserID:   profile.ID,
		DiscordUsername: displayName,
	}, nil
}

func (s *IdentityService) Unlink(ctx context.Context, accountID string) (*user.DiscordLinkResponse, error) {
	const op = "identity.Unlink"

	if err := s.accounts.ClearDiscordIdentity(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.fail("not_found", apperr.NotFound(op, "account not found", err))
		}
		return nil, s.fail("error", apperr.Internal(op, "could not unlink Discord account", err))
	}

	metrics.IdentityLinkTotal.WithLabelValues(ActionUnlinked).Inc()
	log.Info().Str("account_id", accountID).Msg("Discord identity unlinked")
	return &user.DiscordLinkResponse{Success: true, Action: ActionUnlinked}, nil
}

func (s *IdentityService) fail(result string, err error) error {
	metrics.IdentityLinkTotal.WithLabelValues(result).Inc()
	return err
}

func conflictError(op string, holder *user.Account) error {
	msg := "this Discord account is already linked to another Squad Planner profile"
	if holder != nil && holder.Username != "" {
		msg = fmt.Sprintf("this Discord account is already linked to the profile %q", holder.Username)
	}
	return apperr.Conflict(op, msg, store.ErrUniqueViolation)
}
