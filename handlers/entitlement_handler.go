package handlers

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"squadPlannerAPI/internal/types/premium"
)

var snowflake = regexp.MustCompile(`^[0-9]{1,20}$`)

type GuildEntitlementReader interface {
	Get(ctx context.Context, guildID string) (premium.GuildEntitlement, error)
}

type EntitlementHandler struct {
	cache GuildEntitlementReader
}

func NewEntitlementHandler(cache GuildEntitlementReader) *EntitlementHandler {
	return &EntitlementHandler{cache: cache}
}

func (h *EntitlementHandler) GetGuildEntitlement(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guildID"]
	if !snowflake.MatchString(guildID) {
		respondWithError(w, http.StatusBadRequest, "invalid guild id")
		return
	}

	ent, err := h.cache.Get(r.Context(), guildID)
	if err != nil {
		log.Error().Err(err).Str("guild_id", guildID).Msg("Failed to load guild entitlement")
		respondWithError(w, http.StatusInternalServerError, "could not load guild entitlement")
		return
	}

	respondWithJSON(w, http.StatusOK, ent)
}
