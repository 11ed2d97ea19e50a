package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadPlannerAPI/internal/apperr"
	"squadPlannerAPI/internal/types/user"
	"squadPlannerAPI/middleware"
)

type stubLinker struct {
	linkErr   error
	gotCode   string
	gotURI    string
	unlinked  bool
	accountID string
}

func (s *stubLinker) Link(_ context.Context, accountID, code, redirectURI string) (*user.DiscordLinkResponse, error) {
	s.accountID, s.gotCode, s.gotURI = accountID, code, redirectURI
	if s.linkErr != nil {
		return nil, s.linkErr
	}
	return &user.DiscordLinkResponse{Success: true, Action: "linked", DiscordUserID: "123", DiscordUsername: "CoolGamer"}, nil
}

func (s *stubLinker) Unlink(_ context.Context, accountID string) (*user.DiscordLinkResponse, error) {
	s.accountID, s.unlinked = accountID, true
	return &user.DiscordLinkResponse{Success: true, Action: "unlinked"}, nil
}

func testVerifier(_ context.Context, token string) (string, error) {
	if token == "valid" {
		return "user_a", nil
	}
	return "", errors.New("invalid")
}

func serveLink(linker IdentityLinker, token, body string) *httptest.ResponseRecorder {
	h := middleware.BearerAuth(testVerifier)(http.HandlerFunc(NewDiscordLinkHandler(linker).HandleDiscordLink))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/discord/link", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestDiscordLink_Link(t *testing.T) {
	linker := &stubLinker{}
	rr := serveLink(linker, "valid", `{"code":"abc","redirect_uri":"https://squadplanner.fr/cb"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "123", resp["discord_user_id"])
	assert.Equal(t, "CoolGamer", resp["discord_username"])

	assert.Equal(t, "user_a", linker.accountID)
	assert.Equal(t, "abc", linker.gotCode)
	assert.Equal(t, "https://squadplanner.fr/cb", linker.gotURI)
}

func TestDiscordLink_Unlink(t *testing.T) {
	linker := &stubLinker{}
	rr := serveLink(linker, "valid", `{"action":"unlink"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, linker.unlinked)
	assert.Contains(t, rr.Body.String(), `"action":"unlinked"`)
}

func TestDiscordLink_Errors(t *testing.T) {
	rr := serveLink(&stubLinker{}, "", `{"code":"abc"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serveLink(&stubLinker{}, "expired", `{"code":"abc"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serveLink(&stubLinker{}, "valid", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	conflict := apperr.Conflict("identity.Link", `this Discord account is already linked to the profile "alice"`, errors.New("23505"))
	rr = serveLink(&stubLinker{linkErr: conflict}, "valid", `{"code":"abc","redirect_uri":"https://x/cb"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, `this Discord account is already linked to the profile "alice"`, resp["error"])
	assert.Equal(t, "conflict", resp["code"])
	assert.NotContains(t, rr.Body.String(), "23505")

	rr = serveLink(&stubLinker{linkErr: errors.New("pq: connection reset")}, "valid", `{"code":"abc","redirect_uri":"https://x/cb"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "connection reset")
}
