package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────
// Bearer Key Authentication
//
// API keys are issued through POST /api/admin/keys and stored only as
// SHA-256 hashes; presenting a key resolves its hash against the store.
// A legacy API_AUTH_TOKEN env var is still honored as a master key so
// single-tenant deployments need no database round trip.
// ──────────────────────────────────────────────────────────────────

// KeyResolver looks up a presented key hash. Implemented by db.Store.
type KeyResolver interface {
	LookupAPIKey(ctx context.Context, keyHash string) (tier string, ok bool, err error)
	SaveAPIKey(ctx context.Context, keyHash, label, tier string) error
}

const (
	tierContextKey = "auth_tier"
	keyContextKey  = "auth_key"
)

// HashKey returns the hex SHA-256 of a plaintext key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey mints a new 32-byte random key, hex encoded.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk_" + hex.EncodeToString(buf), nil
}

// AuthMiddleware validates bearer keys against the store. If neither keys
// nor API_AUTH_TOKEN are configured, all requests pass (dev mode).
func AuthMiddleware(resolver KeyResolver) gin.HandlerFunc {
	envToken := os.Getenv("API_AUTH_TOKEN")

	// Fail loudly in production if auth is not configured.
	if envToken == "" && resolver == nil && os.Getenv("GIN_MODE") == "release" {
		log.Println("[SECURITY WARNING] no API_AUTH_TOKEN and no key store in release mode. " +
			"All protected endpoints are publicly accessible.")
	}

	return func(c *gin.Context) {
		if envToken == "" && resolver == nil {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <api key>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid Authorization header format"})
			c.Abort()
			return
		}
		presented := parts[1]

		// Constant-time compare against the env master key first.
		if envToken != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(envToken)) == 1 {
			c.Set(tierContextKey, "master")
			c.Set(keyContextKey, "master")
			c.Next()
			return
		}

		if resolver != nil {
			keyHash := HashKey(presented)
			tier, ok, err := resolver.LookupAPIKey(c.Request.Context(), keyHash)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Auth backend unavailable"})
				c.Abort()
				return
			}
			if ok {
				c.Set(tierContextKey, tier)
				c.Set(keyContextKey, keyHash)
				c.Next()
				return
			}
		}

		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid or revoked key"})
		c.Abort()
	}
}

// AdminMiddleware gates key issuance behind a separate admin secret.
func AdminMiddleware(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminSecret == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Admin API disabled: no admin secret configured"})
			c.Abort()
			return
		}
		presented := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(adminSecret)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid admin secret"})
			c.Abort()
			return
		}
		c.Next()
	}
}
