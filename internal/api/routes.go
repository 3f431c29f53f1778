// Package api is the HTTP surface of the firewall: the scan and proxy
// entry points, the rescue and campaign queries, the live threat stream,
// and the calibration feedback endpoints.
package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/txshield/firewall-engine/internal/analyzer"
	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/internal/db"
	"github.com/txshield/firewall-engine/internal/metrics"
	"github.com/txshield/firewall-engine/internal/proxy"
	"github.com/txshield/firewall-engine/internal/rescue"
	"github.com/txshield/firewall-engine/internal/risk"
	"github.com/txshield/firewall-engine/pkg/models"
)

// HealthReporter is what a data service exposes to the health endpoint.
type HealthReporter interface {
	Name() string
	Healthy() bool
}

// Deps is everything the router needs wired in.
type Deps struct {
	Pipeline    *risk.Pipeline
	Proxy       *proxy.Proxy
	Store       *db.Store
	Rescue      *rescue.Scanner
	Campaigns   analyzer.CampaignLookup
	Hub         *Hub
	Metrics     *metrics.Metrics
	Adapters    map[int64]chain.Adapter
	Services    []HealthReporter
	Registry    *prometheus.Registry
	Mode        models.PolicyMode
	AdminSecret string

	// InflightLimit bounds concurrent evaluations; excess requests get 503.
	InflightLimit int
	RatePerMin    int
	RateBurst     int
}

type apiHandler struct {
	Deps
	inflight chan struct{}
}

func SetupRouter(deps Deps) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS env var, comma separated.
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Admin-Secret, X-Shield-Acknowledged")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	if deps.InflightLimit <= 0 {
		deps.InflightLimit = 256
	}
	if deps.RatePerMin <= 0 {
		deps.RatePerMin = 120
	}
	if deps.RateBurst <= 0 {
		deps.RateBurst = 30
	}
	handler := &apiHandler{Deps: deps, inflight: make(chan struct{}, deps.InflightLimit)}

	limiter := NewRateLimiter(deps.RatePerMin, deps.RateBurst)
	var resolver KeyResolver
	if deps.Store != nil {
		resolver = deps.Store
	}
	auth := AuthMiddleware(resolver)

	// Wallet-facing RPC proxy. No bearer auth: wallets cannot attach
	// headers, so the limiter and inflight gate carry the load shedding.
	r.POST("/rpc/:chain_id", limiter.Middleware(), handler.handleRPC)

	api := r.Group("/api", limiter.Middleware())
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", deps.Hub.Subscribe)

		protected := api.Group("", auth, limiter.TierMiddleware())
		{
			protected.POST("/scan", handler.handleScan)
			protected.POST("/firewall", handler.handleFirewall)
			protected.GET("/rescue/:wallet", handler.handleRescue)
			protected.GET("/campaign/:address", handler.handleCampaign)
			protected.GET("/threats/feed", handler.handleThreatFeed)
			protected.POST("/outcome", handler.handleOutcome)
			protected.POST("/report", handler.handleReport)
		}

		admin := api.Group("/admin", AdminMiddleware(deps.AdminSecret))
		{
			admin.POST("/keys", handler.handleIssueKey)
		}
	}

	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	return r
}

// acquire reserves an evaluation slot, or tells the caller to shed load.
func (h *apiHandler) acquire(c *gin.Context) bool {
	select {
	case h.inflight <- struct{}{}:
		if h.Metrics != nil {
			h.Metrics.InflightInc()
		}
		return true
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Engine at capacity, try again shortly",
		})
		return false
	}
}

func (h *apiHandler) release() {
	<-h.inflight
	if h.Metrics != nil {
		h.Metrics.InflightDec()
	}
}

// handleHealth reports per-chain adapter status and store connectivity.
func (h *apiHandler) handleHealth(c *gin.Context) {
	chains := gin.H{}
	allHealthy := true
	for id, adapter := range h.Adapters {
		ok := adapter.Healthy()
		chains[chainKey(id)] = ok
		if !ok {
			allHealthy = false
		}
	}

	services := gin.H{}
	for _, svc := range h.Services {
		state := "up"
		if !svc.Healthy() {
			state = "down"
			allHealthy = false
		}
		services[svc.Name()] = state
	}

	status := "operational"
	if !allHealthy {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"policyMode":  h.Mode,
		"chains":      chains,
		"services":    services,
		"dbConnected": h.Store != nil,
	})
}
