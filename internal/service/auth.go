package service

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

// AuthService authenticates the administrative surface with TOTP codes
// and short-lived session tokens.
type AuthService struct {
	logger     *zap.Logger
	totpSecret string

	mu       sync.RWMutex
	sessions map[string]session
}

type session struct {
	actor   string
	expires time.Time
}

func NewAuthService(logger *zap.Logger, totpSecret string) *AuthService {
	return &AuthService{
		logger:     logger.Named("auth"),
		totpSecret: totpSecret,
		sessions:   make(map[string]session),
	}
}

func (a *AuthService) GenerateSecret() (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "Relay Admin",
		AccountName: "admin",
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	return key.Secret(), nil
}

func (a *AuthService) ValidateCode(code string) bool {
	valid := totp.Validate(code, a.totpSecret)
	if !valid {
		a.logger.Warn("TOTP code validation failed")
	}
	return valid
}

// Login exchanges a valid TOTP code for a session token.
func (a *AuthService) Login(code, actor string) (string, error) {
	if !a.ValidateCode(code) {
		return "", forbiddenErr("invalid TOTP code")
	}
	if actor == "" {
		actor = "admin"
	}

	token := uuid.New().String()
	a.mu.Lock()
	a.sessions[token] = session{actor: actor, expires: time.Now().Add(12 * time.Hour)}
	a.mu.Unlock()

	a.logger.Info("Session issued", zap.String("actor", actor))
	return token, nil
}

// Actor resolves a session token to its actor name.
func (a *AuthService) Actor(token string) (string, bool) {
	a.mu.RLock()
	s, ok := a.sessions[token]
	a.mu.RUnlock()
	if !ok || time.Now().After(s.expires) {
		return "", false
	}
	return s.actor, true
}

// Middleware rejects unauthenticated API calls. Login and liveness
// endpoints stay open.
func (a *AuthService) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" || path == "/api/v1/auth/login" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.JSON(401, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}

		actor, ok := a.Actor(token)
		if !ok {
			c.JSON(401, gin.H{"error": "invalid or expired session"})
			c.Abort()
			return
		}

		c.Set("actor", actor)
		c.Next()
	}
}
