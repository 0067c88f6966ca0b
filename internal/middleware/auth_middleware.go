package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/Dhoini/channel-subscriptions/pkg/res"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ContextKey тип для ключей контекста во избежание коллизий.
type ContextKey string

const (
	// ContextCreatorIDKey id создателя из claim sub
	ContextCreatorIDKey ContextKey = "creatorID"
	// ContextScopesKey набор scope токена
	ContextScopesKey ContextKey = "scopes"

	// ScopeAdmin доступ к журналу вебхуков
	ScopeAdmin = "admin"

	authHeaderPrefix = "Bearer "
)

type TokenValidator interface {
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims claims токена панели создателя. Scope перечисляется через пробел.
type TokenClaims struct {
	Email string `json:"email"`
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Scopes разбирает scope в список
func (c *TokenClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

type JWTMiddleware struct {
	log       *logger.Logger
	validator TokenValidator
}

func NewJWTMiddleware(log *logger.Logger, validator TokenValidator) *JWTMiddleware {
	return &JWTMiddleware{
		log:       log.Named("auth"),
		validator: validator,
	}
}

// RequireAuth пропускает запрос с валидным токеном, содержащим хотя бы один из requiredScopes.
// В sub токена ожидается UUID создателя.
func (m *JWTMiddleware) RequireAuth(requiredScopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			m.handleAuthError(c, http.StatusUnauthorized, "Missing authorization token")
			return
		}
		if !strings.HasPrefix(authHeader, authHeaderPrefix) {
			m.handleAuthError(c, http.StatusUnauthorized, "Invalid authorization header format")
			return
		}

		claims, err := m.validator.Validate(strings.TrimPrefix(authHeader, authHeaderPrefix))
		if err != nil {
			m.handleAuthError(c, http.StatusUnauthorized, fmt.Sprintf("Token validation failed: %v", err))
			return
		}

		creatorID, err := uuid.Parse(claims.Subject)
		if err != nil {
			m.handleAuthError(c, http.StatusUnauthorized, "Creator ID (sub) missing or malformed in token")
			return
		}

		scopes := claims.Scopes()
		if !hasRequiredScope(scopes, requiredScopes) {
			m.handleAuthError(c, http.StatusForbidden, "Insufficient token permissions")
			return
		}

		c.Set(string(ContextCreatorIDKey), creatorID)
		c.Set(string(ContextScopesKey), scopes)
		m.log.Debugw("Creator authenticated", "creatorID", creatorID, "path", c.FullPath())
		c.Next()
	}
}

// CreatorID возвращает id создателя, выставленный RequireAuth
func CreatorID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(string(ContextCreatorIDKey))
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func hasRequiredScope(tokenScopes, requiredScopes []string) bool {
	if len(requiredScopes) == 0 {
		return true
	}
	for _, required := range requiredScopes {
		for _, scope := range tokenScopes {
			if scope == required {
				return true
			}
		}
	}
	return false
}

func (m *JWTMiddleware) handleAuthError(c *gin.Context, status int, message string) {
	m.log.Warnw("HTTP authentication failed", "path", c.Request.URL.Path, "status", status, "error", message)
	res.JsonResponse(c.Writer, res.ErrorResponse{
		Error:     message,
		ErrorCode: status,
	}, status)
	c.Abort()
}

// DefaultTokenValidator - реализация валидатора по умолчанию (HMAC).
type DefaultTokenValidator struct {
	Secret []byte
}

func (v *DefaultTokenValidator) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.Secret, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, errors.New("malformed token")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.New("invalid token signature")
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, errors.New("token expired")
		default:
			return nil, fmt.Errorf("invalid token: %w", err)
		}
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}
