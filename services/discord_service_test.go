package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadPlannerAPI/internal/apperr"
	"squadPlannerAPI/internal/config"
)

type fakeDiscordAPI struct {
	tokenStatus int
	tokenBody   string
	meStatus    int
	meBody      string
	gotForm     map[string]string
}

func (f *fakeDiscordAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.gotForm = map[string]string{}
		for k := range r.PostForm {
			f.gotForm[k] = r.PostForm.Get(k)
		}
		status := f.tokenStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "discord_access",
				"token_type":   "Bearer",
				"expires_in":   604800,
				"scope":        "identify",
			})
			return
		}
		if f.tokenBody != "" && f.tokenBody[0] != '{' {
			w.Header().Set("Content-Type", "text/html")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(f.tokenBody))
	})
	mux.HandleFunc("/api/users/@me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer discord_access", r.Header.Get("Authorization"))
		status := f.meStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(f.meBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestDiscordService(t *testing.T, api *fakeDiscordAPI) *DiscordService {
	srv := api.server(t)
	return NewDiscordServiceWithClient(config.DiscordConfig{
		ClientID:     "client_1",
		ClientSecret: "secret_1",
		APIBaseURL:   srv.URL + "/api",
	}, srv.Client())
}

func TestDiscordService_ExchangeIdentity(t *testing.T) {
	api := &fakeDiscordAPI{meBody: `{"id":"123456789","username":"coolgamer","global_name":"CoolGamer"}`}
	svc := newTestDiscordService(t, api)

	profile, err := svc.ExchangeIdentity(context.Background(), "code_1", "https://squadplanner.fr/auth/discord/callback")
	require.NoError(t, err)
	assert.Equal(t, "123456789", profile.ID)
	assert.Equal(t, "CoolGamer", profile.DisplayName())

	assert.Equal(t, "authorization_code", api.gotForm["grant_type"])
	assert.Equal(t, "code_1", api.gotForm["code"])
	assert.Equal(t, "https://squadplanner.fr/auth/discord/callback", api.gotForm["redirect_uri"])
	assert.Equal(t, "client_1", api.gotForm["client_id"])
	assert.Equal(t, "secret_1", api.gotForm["client_secret"])
}

func TestDiscordService_DisplayNameFallsBackToUsername(t *testing.T) {
	api := &fakeDiscordAPI{meBody: `{"id":"1","username":"GamerTag","global_name":null}`}
	svc := newTestDiscordService(t, api)

	profile, err := svc.ExchangeIdentity(context.Background(), "code_1", "https://x/cb")
	require.NoError(t, err)
	assert.Equal(t, "GamerTag", profile.DisplayName())
}

func TestDiscordService_ExchangeErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "invalid grant",
			status:     http.StatusBadRequest,
			body:       `{"error":"invalid_grant","error_description":"Invalid \"code\" in request."}`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "authorization code is invalid or expired (redirect_uri sent: https://x/cb)",
		},
		{
			name:       "invalid client is a server problem",
			status:     http.StatusUnauthorized,
			body:       `{"error":"invalid_client"}`,
			wantStatus: http.StatusServiceUnavailable,
			wantMsg:    "Discord client credentials are misconfigured on the server",
		},
		{
			name:       "other described error",
			status:     http.StatusBadRequest,
			body:       `{"error":"invalid_request","error_description":"Invalid redirect_uri"}`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "discord: Invalid redirect_uri",
		},
		{
			name:       "non json body",
			status:     http.StatusBadRequest,
			body:       `<html>bad request</html>`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Discord rejected the authorization code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestDiscordService(t, &fakeDiscordAPI{tokenStatus: tt.status, tokenBody: tt.body})

			_, err := svc.ExchangeIdentity(context.Background(), "code_1", "https://x/cb")
			require.Error(t, err)
			assert.Equal(t, tt.wantStatus, apperr.HTTPStatus(err))
			assert.Equal(t, tt.wantMsg, apperr.PublicMessage(err))
		})
	}
}

func TestDiscordService_ProfileFailure(t *testing.T) {
	svc := newTestDiscordService(t, &fakeDiscordAPI{meStatus: http.StatusUnauthorized, meBody: `{"message":"401: Unauthorized"}`})

	_, err := svc.ExchangeIdentity(context.Background(), "code_1", "https://x/cb")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))
}

func TestDiscordService_NotConfigured(t *testing.T) {
	svc := NewDiscordService(config.DiscordConfig{APIBaseURL: "https://discord.com/api"})

	_, err := svc.ExchangeIdentity(context.Background(), "code_1", "https://x/cb")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}
