package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadPlannerAPI/internal/tier"
	"squadPlannerAPI/internal/types/premium"
	"squadPlannerAPI/services"
)

func TestGuildEntitlement(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpsertGuildEntitlement(context.Background(), "4242", tier.EntitlementFor(tier.Club)))

	r := mux.NewRouter()
	h := NewEntitlementHandler(services.NewEntitlementCache(st, time.Minute))
	r.HandleFunc("/api/v1/guilds/{guildID}/entitlement", h.GetGuildEntitlement).Methods(http.MethodGet)

	get := func(id string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/guilds/"+id+"/entitlement", nil))
		return rr
	}

	rr := get("4242")
	require.Equal(t, http.StatusOK, rr.Code)
	var ent premium.GuildEntitlement
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ent))
	assert.Equal(t, "4242", ent.GuildID)
	assert.True(t, ent.IsPremium)
	assert.Equal(t, 100, ent.MaxMembers)

	rr = get("1111")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ent))
	assert.False(t, ent.IsPremium)
	assert.Equal(t, tier.Free, ent.Tier)

	assert.Equal(t, http.StatusBadRequest, get("not-a-guild").Code)
}

func TestHealth(t *testing.T) {
	st := newTestStore(t)
	rr := httptest.NewRecorder()
	NewHealthHandler(st).Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, st.Close())
	rr = httptest.NewRecorder()
	NewHealthHandler(st).Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
