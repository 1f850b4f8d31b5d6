// Package routes is the HTTP gateway: authenticated upload and download plus
// operational endpoints.
package routes

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"audiorelay/blobstore"
	"audiorelay/failures"
	"audiorelay/ingress"
	"audiorelay/logger"
	"audiorelay/models"
	"audiorelay/success"
	"audiorelay/utils"
)

// Submitter accepts a video for conversion.
type Submitter interface {
	Submit(ctx context.Context, video io.Reader, user models.Identity) (ingress.Result, error)
}

// FaultStore is the read side of the fault ledger.
type FaultStore interface {
	Get(id string) (*failures.FaultRecord, error)
	List(kind string) ([]failures.FaultRecord, error)
	CheckHealth() error
}

// ReceiptStore is the read side of the notification receipts.
type ReceiptStore interface {
	Get(audioBlobID string) (*success.Receipt, error)
	List() ([]success.Receipt, error)
}

// BrokerStatus reports whether the gateway currently holds a broker connection.
type BrokerStatus interface {
	Connected() bool
}

// Deps wires the gateway. Faults, Receipts and Broker are optional; their
// endpoints and readiness checks are skipped when nil.
type Deps struct {
	Submitter      Submitter
	Audio          blobstore.Store
	AudioExt       string
	Faults         FaultStore
	Receipts       ReceiptStore
	Broker         BrokerStatus
	Auth           utils.VerifyConfig
	MaxUploadBytes int64
	AnyMedia       bool
}

// Response is the envelope of every JSON reply.
type Response struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type Handler struct {
	deps Deps
}

const claimsKey = "claims"

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	h := &Handler{deps: deps}

	r.GET("/health", h.Health)
	r.GET("/readiness", h.Readiness)
	r.GET("/version", h.Version)

	authed := r.Group("/", h.authenticate)
	authed.POST("/upload", h.Upload)
	authed.GET("/download", h.Download)
	authed.POST("/download", h.Download)

	// ledgers carry job data and recipients
	admin := r.Group("/", h.authenticate, requireAdmin)
	if deps.Faults != nil {
		admin.GET("/failures", h.FailureQuery)
		admin.GET("/failures/list", h.FailureList)
	}
	if deps.Receipts != nil {
		admin.GET("/receipts", h.ReceiptQuery)
		admin.GET("/receipts/list", h.ReceiptList)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debugf("request: method=%s, path=%s, status=%d, remoteAddr=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), c.ClientIP())
	}
}

// authenticate verifies the bearer token and stores its claims on the
// request context.
func (h *Handler) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Message: "authorization header required"})
		return
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Message: "invalid authorization header format"})
		return
	}

	claims, err := utils.VerifyIdentityToken(token, h.deps.Auth)
	if err != nil {
		logger.Warnf("token rejected: remoteAddr=%s, error=%v", c.ClientIP(), err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Message: "invalid token: " + err.Error()})
		return
	}
	c.Set(claimsKey, claims)
	c.Next()
}

// requireAdmin admits only tokens carrying the authz claim. It runs after
// authenticate.
func requireAdmin(c *gin.Context) {
	claims := claimsFrom(c)
	if claims == nil || !claims.Admin {
		logger.Warnf("admin endpoint refused: path=%s, username=%s", c.Request.URL.Path, identityFrom(c).Username)
		c.AbortWithStatusJSON(http.StatusForbidden, Response{Message: "admin authorization required"})
		return
	}
	c.Next()
}

func claimsFrom(c *gin.Context) *models.IdentityClaims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(*models.IdentityClaims)
	return claims
}

func identityFrom(c *gin.Context) models.Identity {
	if claims := claimsFrom(c); claims != nil {
		return claims.User
	}
	return models.Identity{}
}
