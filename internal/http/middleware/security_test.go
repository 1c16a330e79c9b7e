package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), SecurityHeaders(SecurityOptions{
		EnableHSTS:   true,
		HSTSMaxAge:   time.Hour,
		NoStore:      true,
		EnablePolicy: true,
		Expose:       []string{"ETag", "X-Command-ID"},
	}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	h := serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Header()
	want := map[string]string{
		"X-Content-Type-Options":            "nosniff",
		"X-Frame-Options":                   "DENY",
		"Referrer-Policy":                   "no-referrer",
		"Cache-Control":                     "no-store",
		"X-Permitted-Cross-Domain-Policies": "none",
		"Access-Control-Expose-Headers":     "X-Request-ID, ETag, X-Command-ID",
	}
	for k, v := range want {
		if got := h.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if h.Get("Strict-Transport-Security") != "" {
		t.Error("HSTS must not be sent over plain HTTP")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := serve(r, req).Header().Get("Strict-Transport-Security"); got != "max-age=3600; includeSubDomains; preload" {
		t.Errorf("HSTS via proxy = %q", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{}
	if serve(r, req).Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing on TLS request")
	}
}

func TestSecurityHeaders_DefaultMaxAge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders(SecurityOptions{EnableHSTS: true}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := serve(r, req).Header().Get("Strict-Transport-Security"); got != "max-age=15552000; includeSubDomains; preload" {
		t.Errorf("default HSTS = %q", got)
	}
}
