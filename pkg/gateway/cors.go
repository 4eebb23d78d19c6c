package gateway

import (
	"net/http"
	"strconv"
	"strings"
)

// apply sets the CORS headers. Max-Age is only sent on preflight.
func (c CORSConfig) apply(h http.Header, preflight bool) {
	defaults := DefaultCORS()

	origin := strings.TrimSpace(c.AllowOrigin)
	if origin == "" {
		origin = defaults.AllowOrigin
	}
	methods := c.AllowMethods
	if len(methods) == 0 {
		methods = defaults.AllowMethods
	}
	headers := c.AllowHeaders
	if len(headers) == 0 {
		headers = defaults.AllowHeaders
	}

	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ","))
	h.Set("Access-Control-Allow-Headers", strings.Join(headers, ","))
	// Browsers reject credentials with a wildcard origin.
	if c.AllowCredentials && origin != "*" {
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
	}
	if preflight && c.MaxAgeSeconds > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(c.MaxAgeSeconds))
	}
}
