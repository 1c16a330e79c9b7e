package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func idemRouter(opts IdempotencyOptions, lookup IdempotencyLookup) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Identity(IdentityOptions{Optional: true}), IdempotencyValidator(opts, lookup))
	r.POST("/commands", func(c *gin.Context) {
		key, ok := GetIdempotencyKey(c)
		c.JSON(http.StatusOK, gin.H{"key": key, "has": ok, "replay": IsReplay(c), "bypass": IsRateBypass(c)})
	})
	return r
}

func post(r *gin.Engine, uid, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/commands", nil)
	if uid != "" {
		req.Header.Set(HeaderUserID, uid)
	}
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	return serve(r, req)
}

func TestIdempotency_Validation(t *testing.T) {
	r := idemRouter(IdempotencyOptions{MaxLen: 16}, nil)

	if w := post(r, "u1", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"has":false`) {
		t.Fatalf("no key: %d %s", w.Code, w.Body.String())
	}
	if w := post(r, "u1", "merge-7"); !strings.Contains(w.Body.String(), `"key":"merge-7"`) {
		t.Fatalf("valid key not stashed: %s", w.Body.String())
	}
	if w := post(r, "u1", strings.Repeat("k", 17)); w.Code != http.StatusBadRequest {
		t.Fatalf("long key: %d", w.Code)
	}
	if w := post(r, "u1", "has space"); w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "bad_idempotency_key") {
		t.Fatalf("bad chars: %d %s", w.Code, w.Body.String())
	}

	custom := idemRouter(IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, nil)
	if w := post(custom, "u1", "abc"); w.Code != http.StatusBadRequest {
		t.Fatalf("custom pattern: %d", w.Code)
	}
}

func TestIdempotency_Lookup(t *testing.T) {
	var calls int
	lookup := func(_ context.Context, uid, key string) (bool, error) {
		calls++
		switch key {
		case "done":
			return uid == "u1", nil
		case "broken":
			return false, errors.New("db down")
		}
		return false, nil
	}
	r := idemRouter(IdempotencyOptions{}, lookup)

	if w := post(r, "u1", "done"); !strings.Contains(w.Body.String(), `"replay":true`) || !strings.Contains(w.Body.String(), `"bypass":true`) {
		t.Fatalf("replay not marked: %s", w.Body.String())
	}
	if w := post(r, "u2", "done"); !strings.Contains(w.Body.String(), `"replay":false`) {
		t.Fatalf("key must be scoped per user: %s", w.Body.String())
	}
	if w := post(r, "u1", "broken"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"replay":false`) {
		t.Fatalf("lookup error must not block: %d %s", w.Code, w.Body.String())
	}
	before := calls
	post(r, "", "done")
	if calls != before {
		t.Fatal("anonymous requests must not be looked up")
	}
}
