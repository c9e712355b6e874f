package fakeccf

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/loykin/kmsconverge/pkg/kms"
)

// MemberCertHeader marks a request as authenticated with a member
// certificate when the simulation is not served over mutual TLS.
const MemberCertHeader = "X-Fake-Member-Cert"

const claimsKey = "jwt_claims"

// Handler returns the HTTP API of the network: node health under /node,
// the KMS application under /app and simulation controls under /admin.
func (c *Cluster) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), c.bearer())

	engine.GET("/node/health", c.handleHealth)

	app := engine.Group("/app")
	app.GET("/heartbeat", func(ctx *gin.Context) { ctx.JSON(http.StatusOK, gin.H{}) })
	app.GET("/auth", c.handleAuth)
	app.POST("/key", c.handleKey)
	app.POST("/unwrapKey", c.handleUnwrapKey)
	app.POST("/refresh", c.handleRefresh)
	app.GET("/pubkey", c.handlePubKey)
	app.GET("/listpubkeys", c.handleListPubKeys)
	app.GET("/keyReleasePolicy", c.handleKeyReleasePolicy)
	app.GET("/settingsPolicy", c.handleSettingsPolicy)
	app.GET("/keyRotationPolicy", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"rotation_interval_seconds": 0})
	})
	app.GET("/proposals", func(ctx *gin.Context) { ctx.JSON(http.StatusOK, c.Proposals()) })

	admin := engine.Group("/admin")
	admin.POST("/deploy", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"KMS_URL": c.Deploy()})
	})
	admin.POST("/teardown", func(ctx *gin.Context) {
		c.Teardown()
		ctx.JSON(http.StatusOK, gin.H{})
	})
	admin.POST("/scale", func(ctx *gin.Context) {
		n, err := strconv.Atoi(ctx.Query("n"))
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "n must be a number"})
			return
		}
		urls, err := c.Scale(n)
		if err != nil {
			ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"nodes": urls})
	})
	admin.POST("/stop", func(ctx *gin.Context) {
		if err := c.StopNode(ctx.Query("name")); err != nil {
			ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{})
	})
	admin.POST("/orchestrator", func(ctx *gin.Context) {
		running := ctx.DefaultQuery("running", "true") == "true"
		c.SetOrchestrator(running)
		ctx.JSON(http.StatusOK, gin.H{"running": running})
	})
	admin.POST("/jwt-trust", func(ctx *gin.Context) {
		c.TrustJWTIssuer()
		ctx.JSON(http.StatusOK, gin.H{})
	})
	admin.POST("/release-policy", func(ctx *gin.Context) {
		c.SetReleasePolicy(ctx.DefaultQuery("present", "true") == "true")
		ctx.JSON(http.StatusOK, gin.H{})
	})
	return engine
}

// bearer stores verified JWT claims in the context; invalid tokens are
// ignored here and rejected by the endpoints that require them.
func (c *Cluster) bearer() gin.HandlerFunc {
	cfg := kms.VerifyConfig{Secret: []byte(c.opts.JWTSecret), AllowedIssuer: c.opts.JWTIssuer}
	return func(ctx *gin.Context) {
		if tok, ok := kms.BearerToken(ctx.GetHeader("Authorization")); ok {
			if claims, err := kms.Verify(tok, cfg); err == nil {
				ctx.Set(claimsKey, claims)
			}
		}
		ctx.Next()
	}
}

func (c *Cluster) jwtAuthorized(ctx *gin.Context) bool {
	_, ok := ctx.Get(claimsKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	return ok && c.jwtTrusted
}

func memberCert(ctx *gin.Context) bool {
	if ctx.Request.TLS != nil && len(ctx.Request.TLS.PeerCertificates) > 0 {
		return true
	}
	return ctx.GetHeader(MemberCertHeader) != ""
}

func (c *Cluster) handleHealth(ctx *gin.Context) {
	if !c.Deployed() {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "network is not deployed"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"nodeHealth": c.Health()})
}

func (c *Cluster) handleAuth(ctx *gin.Context) {
	switch {
	case c.jwtAuthorized(ctx):
		ctx.JSON(http.StatusOK, gin.H{"auth": gin.H{"policy": "jwt"}})
	case memberCert(ctx):
		ctx.JSON(http.StatusOK, gin.H{"auth": gin.H{"policy": "member_cert"}})
	default:
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

type keyRequest struct {
	Attestation interface{} `json:"attestation"`
	WrappingKey string      `json:"wrappingKey"`
	Wrapped     string      `json:"wrapped"`
	WrappedKid  string      `json:"wrappedKid"`
}

func wrap(kid, wrappingKey string) string {
	sum := sha256.Sum256([]byte(kid + "|" + wrappingKey))
	return hex.EncodeToString(sum[:])
}

func (c *Cluster) handleKey(ctx *gin.Context) {
	if !c.jwtAuthorized(ctx) {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req keyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil || req.Attestation == nil || req.WrappingKey == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "attestation and wrappingKey are required"})
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.releasePolicy {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "key release policy is not set"})
		return
	}
	k, ok := c.findKeyLocked(ctx.Query("kid"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.pending[k.Kid]++
	if c.pending[k.Kid] <= c.opts.PendingPolls {
		ctx.Status(http.StatusAccepted)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wrappedKid": k.Kid,
		"wrapped":    wrap(k.Kid, req.WrappingKey),
		"receipt":    "receipt-" + k.Kid,
	})
}

func (c *Cluster) handleUnwrapKey(ctx *gin.Context) {
	if !c.jwtAuthorized(ctx) {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req keyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil || req.Attestation == nil || req.WrappedKid == "" || req.Wrapped == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "attestation, wrapped and wrappedKid are required"})
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.releasePolicy {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "key release policy is not set"})
		return
	}
	k, ok := c.findKeyLocked(req.WrappedKid)
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	if req.Wrapped != wrap(k.Kid, req.WrappingKey) {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "wrapped key does not match"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"kid": k.Kid, "key": k.Public})
}

func (c *Cluster) handleRefresh(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"kid": c.Refresh()})
}

func (c *Cluster) handlePubKey(ctx *gin.Context) {
	c.mu.Lock()
	k, ok := c.findKeyLocked(ctx.Query("kid"))
	c.mu.Unlock()
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"kid": k.Kid, "key": k.Public})
}

func (c *Cluster) handleListPubKeys(ctx *gin.Context) {
	c.mu.Lock()
	out := make([]gin.H, len(c.keys))
	for i, k := range c.keys {
		out[i] = gin.H{"kid": k.Kid, "key": k.Public}
	}
	c.mu.Unlock()
	ctx.JSON(http.StatusOK, gin.H{"keys": out})
}

func (c *Cluster) handleKeyReleasePolicy(ctx *gin.Context) {
	c.mu.Lock()
	present := c.releasePolicy
	c.mu.Unlock()
	if !present {
		ctx.JSON(http.StatusOK, gin.H{})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"type": "add", "claims": gin.H{"x-ms-attestation-type": []string{"sevsnpvm"}}})
}

func (c *Cluster) handleSettingsPolicy(ctx *gin.Context) {
	c.mu.Lock()
	s := c.settings
	c.mu.Unlock()
	ctx.JSON(http.StatusOK, s)
}
