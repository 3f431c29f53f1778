package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// tierRouter wires TierMiddleware behind a stub auth step that stamps the
// given key identity and tier, the way AuthMiddleware does after a lookup.
func tierRouter(rl *RateLimiter, key, tier string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ping",
		func(c *gin.Context) {
			if key != "" {
				c.Set(keyContextKey, key)
				c.Set(tierContextKey, tier)
			}
		},
		rl.TierMiddleware(),
		func(c *gin.Context) { c.Status(http.StatusOK) },
	)
	return r
}

func fire(r *gin.Engine, n int) (ok, limited int) {
	for i := 0; i < n; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		r.ServeHTTP(w, req)
		switch w.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		}
	}
	return ok, limited
}

func TestTierMiddlewareCapsLowTierBelowHighTier(t *testing.T) {
	rl := NewRateLimiter(120, 30)
	free := tierRouter(rl, "key-free", "free")
	pro := tierRouter(rl, "key-pro", "pro")

	const n = 40
	freeOK, freeLimited := fire(free, n)
	proOK, proLimited := fire(pro, n)

	if freeLimited == 0 {
		t.Errorf("free tier never hit 429 over %d requests (allowed %d)", n, freeOK)
	}
	if proLimited != 0 {
		t.Errorf("pro tier hit 429 within its burst (allowed %d)", proOK)
	}
	if proOK <= freeOK {
		t.Errorf("pro tier allowed %d, free allowed %d; higher tier must get more", proOK, freeOK)
	}
}

func TestTierMiddlewareKeysIndependently(t *testing.T) {
	rl := NewRateLimiter(120, 30)
	first := tierRouter(rl, "tenant-a", "free")
	second := tierRouter(rl, "tenant-b", "free")

	// Drain tenant A's bucket, then tenant B must still have its own.
	fire(first, 40)
	if ok, _ := fire(second, 1); ok != 1 {
		t.Error("one tenant's exhaustion throttled another tenant's key")
	}
}

func TestTierMiddlewareExemptsMasterAndDevMode(t *testing.T) {
	rl := NewRateLimiter(120, 30)
	master := tierRouter(rl, "master", "master")
	if _, limited := fire(master, 100); limited != 0 {
		t.Error("master key must not be tier limited")
	}

	dev := tierRouter(rl, "", "")
	if _, limited := fire(dev, 100); limited != 0 {
		t.Error("requests without a key identity must pass the tier limiter")
	}
}

func TestTierMiddlewareUnknownTierGetsDefaultBudget(t *testing.T) {
	rl := NewRateLimiter(120, 30)
	odd := tierRouter(rl, "key-odd", "platinum")
	if _, limited := fire(odd, 40); limited == 0 {
		t.Error("unknown tier should fall back to the default budget, not run open")
	}
}
