package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"wordchat/backend/internal/chathub"
	"wordchat/backend/internal/config"
)

const (
	anonIDClaim = "anon_id"
	anonIDKey   = "anon_id"
)

// Auth issues and verifies the HS256 tokens that carry a client's anonymous ID.
type Auth struct {
	secret []byte
	ttl    time.Duration
	issuer string

	// Now is replaceable in tests.
	Now func() time.Time
}

func NewAuth(cfg config.JWTConfig) *Auth {
	return &Auth{secret: []byte(cfg.Secret), ttl: cfg.TTL, issuer: cfg.Issuer, Now: time.Now}
}

// Issue signs a token for anonID.
func (a *Auth) Issue(anonID string) (string, error) {
	now := a.Now()
	claims := jwt.MapClaims{
		anonIDClaim: anonID,
		"iat":       now.Unix(),
		"exp":       now.Add(a.ttl).Unix(),
		"iss":       a.issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Parse verifies tokenString and returns the anonymous ID it carries.
func (a *Auth) Parse(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.Now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chathub.ErrInvalidIdentity, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", chathub.ErrInvalidIdentity
	}
	anonID, _ := claims[anonIDClaim].(string)
	if anonID == "" {
		return "", chathub.ErrInvalidIdentity
	}
	return anonID, nil
}

// Middleware authenticates the request from "Authorization: Bearer <token>" or,
// for browsers opening a WebSocket, the token query parameter.
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization token missing", "code": chathub.ErrorCode(chathub.ErrInvalidIdentity)})
			return
		}
		anonID, err := a.Parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token", "code": chathub.ErrorCode(err)})
			return
		}
		c.Set(anonIDKey, anonID)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// anonID returns the identity set by Middleware.
func anonID(c *gin.Context) string {
	return c.GetString(anonIDKey)
}

// GetAnonID creates a fresh anonymous ID and returns it with its token.
func (h *Handler) GetAnonID(c *gin.Context) {
	id := uuid.NewString()
	token, err := h.Auth.Issue(id)
	if err != nil {
		h.respondError(c, fmt.Errorf("issue token: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": id})
}
