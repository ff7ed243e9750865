package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWithSecurityHeaders(t *testing.T, config *SecurityHeadersConfig) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(SecurityHeaders(config))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/test", nil)
	require.NoError(t, err)
	router.ServeHTTP(w, req)
	return w
}

func TestSecurityHeaders_AppliesConfiguredHeaders(t *testing.T) {
	config := &SecurityHeadersConfig{
		CSP:                "default-src 'self'",
		FrameOptions:       "DENY",
		ReferrerPolicy:     "same-origin",
		PermissionsPolicy:  "geolocation=()",
		ContentTypeOptions: "nosniff",
		XSSProtection:      "1; mode=block",
	}

	w := serveWithSecurityHeaders(t, config)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "same-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "geolocation=()", w.Header().Get("Permissions-Policy"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
}

func TestSecurityHeaders_SkipsHSTSAndExpectCTOverPlainHTTP(t *testing.T) {
	config := &SecurityHeadersConfig{
		HSTS:     "max-age=31536000; includeSubDomains",
		ExpectCT: "max-age=86400, enforce",
	}

	w := serveWithSecurityHeaders(t, config)

	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
	assert.Empty(t, w.Header().Get("Expect-CT"))
}

func TestSecurityHeaders_OmitsUnsetHeaders(t *testing.T) {
	w := serveWithSecurityHeaders(t, &SecurityHeadersConfig{})

	assert.Empty(t, w.Header().Get("Content-Security-Policy"))
	assert.Empty(t, w.Header().Get("X-Frame-Options"))
	assert.Empty(t, w.Header().Get("Referrer-Policy"))
}

func TestSecurityHeaders_AddsCustomHeaders(t *testing.T) {
	config := &SecurityHeadersConfig{
		CustomHeaders: map[string]string{"X-API-Version": "1.0"},
	}

	w := serveWithSecurityHeaders(t, config)

	assert.Equal(t, "1.0", w.Header().Get("X-API-Version"))
}

func TestSecurityHeaders_NilConfigFallsBackToDefault(t *testing.T) {
	w := serveWithSecurityHeaders(t, nil)

	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestSecurityHeadersForEnvironment_DevelopmentDisablesHSTS(t *testing.T) {
	config := SecurityHeadersForEnvironment("development", false)
	require.NotNil(t, config)
	assert.Empty(t, config.HSTS)
	assert.Contains(t, config.CSP, "unsafe-inline")
}

func TestSecurityHeadersForEnvironment_ProductionWithoutHTTPSDisablesHSTS(t *testing.T) {
	config := SecurityHeadersForEnvironment("production", false)
	require.NotNil(t, config)
	assert.Empty(t, config.HSTS)
}

func TestSecurityHeadersForEnvironment_ProductionWithHTTPSKeepsHSTS(t *testing.T) {
	config := SecurityHeadersForEnvironment("production", true)
	require.NotNil(t, config)
	assert.NotEmpty(t, config.HSTS)
	assert.NotContains(t, config.CSP, "unsafe-inline")
}

func TestWebhookSecurityHeadersConfig_DisablesHSTS(t *testing.T) {
	config := WebhookSecurityHeadersConfig()
	assert.Empty(t, config.HSTS)
	assert.Equal(t, "1.0", config.CustomHeaders["X-Webhook-Version"])
}

func TestAPISecurityHeadersConfig_SetsRestrictiveDefaults(t *testing.T) {
	config := APISecurityHeadersConfig()
	assert.Equal(t, "no-referrer", config.ReferrerPolicy)
	assert.Equal(t, "1.0", config.CustomHeaders["X-API-Version"])
}
