package middleware

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	gorillaHandlers "github.com/gorilla/handlers"

	"squadPlannerAPI/internal/config"
)

// CORS allows the configured origins plus any origin matching the preview
// pattern. Disallowed origins get no Access-Control-Allow-Origin header.
func CORS(cfg config.CORSConfig) (func(http.Handler) http.Handler, error) {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}

	var pattern *regexp.Regexp
	if cfg.OriginPattern != "" {
		re, err := regexp.Compile(cfg.OriginPattern)
		if err != nil {
			return nil, fmt.Errorf("compile CORS origin pattern: %w", err)
		}
		pattern = re
	}

	validator := func(origin string) bool {
		if origin == "" {
			return false
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		return pattern != nil && pattern.MatchString(origin)
	}

	return gorillaHandlers.CORS(
		gorillaHandlers.AllowedOriginValidator(validator),
		gorillaHandlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		gorillaHandlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-Client-Info", "Apikey"}),
		gorillaHandlers.AllowCredentials(),
	), nil
}
