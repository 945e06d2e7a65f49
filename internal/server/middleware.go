package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// authenticate requires the configured API key on every request it guards,
// given as "Authorization: Bearer <key>", "Authorization: ApiKey <key>" or
// the api_key query parameter. An empty key disables the check.
func authenticate(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := extractAPIKey(c.Request)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "API key required"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid API key"})
			return
		}
		c.Next()
	}
}

func extractAPIKey(r *http.Request) string {
	h := r.Header.Get("Authorization")
	for _, scheme := range []string{"Bearer ", "ApiKey "} {
		if strings.HasPrefix(h, scheme) {
			return strings.TrimSpace(strings.TrimPrefix(h, scheme))
		}
	}
	return r.URL.Query().Get("api_key")
}

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Content-Type", "Authorization", "X-Requested-With", "Accept"}, ", ")
)

// cors answers preflight requests and sets the allow headers for the given
// origins. No origins disables CORS entirely; "*" allows any origin.
func cors(origins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(origins) == 0 {
			c.Next()
			return
		}
		origin := c.GetHeader("Origin")
		if allowed, wildcard := originAllowed(origins, origin); allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		} else if wildcard {
			c.Header("Access-Control-Allow-Origin", "*")
		}
		c.Header("Access-Control-Allow-Methods", corsMethods)
		c.Header("Access-Control-Allow-Headers", corsHeaders)
		c.Header("Access-Control-Max-Age", strconv.Itoa(86400))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origins []string, origin string) (allowed, wildcard bool) {
	for _, o := range origins {
		if o == "*" {
			return true, true
		}
		if strings.EqualFold(o, origin) {
			allowed = true
		}
	}
	return allowed, false
}
