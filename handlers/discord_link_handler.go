package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"squadPlannerAPI/internal/types/user"
	"squadPlannerAPI/middleware"
)

type IdentityLinker interface {
	Link(ctx context.Context, accountID, code, redirectURI string) (*user.DiscordLinkResponse, error)
	Unlink(ctx context.Context, accountID string) (*user.DiscordLinkResponse, error)
}

type DiscordLinkHandler struct {
	linker IdentityLinker
}

func NewDiscordLinkHandler(linker IdentityLinker) *DiscordLinkHandler {
	return &DiscordLinkHandler{linker: linker}
}

// HandleDiscordLink links the caller's account to the Discord identity behind
// an OAuth code, or unlinks it when action is "unlink".
func (h *DiscordLinkHandler) HandleDiscordLink(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions, http.MethodHead:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req user.DiscordLinkRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var (
		resp *user.DiscordLinkResponse
		err  error
	)
	if strings.EqualFold(strings.TrimSpace(req.Action), "unlink") {
		resp, err = h.linker.Unlink(r.Context(), accountID)
	} else {
		resp, err = h.linker.Link(r.Context(), accountID, req.Code, req.RedirectURI)
	}
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, resp)
}
