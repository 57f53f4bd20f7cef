package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const identityKey = "identity"

var ErrInvalidToken = errors.New("invalid token")

// Claims 由网站会话签发，携带角色与账号 id。
type Claims struct {
	Role   string `json:"role"`
	UserID uint   `json:"uid"`
	jwt.RegisteredClaims
}

// Identity returns the identity asserted by the claims. Tokens that only
// carry "sub" in role:id form are accepted as well.
func (c *Claims) Identity() (protocol.Identity, error) {
	if c.Role == "" && c.UserID == 0 {
		id, err := protocol.ParseIdentity(c.Subject)
		if err != nil {
			return protocol.Identity{}, ErrInvalidToken
		}
		return id, nil
	}
	id := protocol.Identity{Role: protocol.Role(c.Role), ID: c.UserID}
	if !id.Role.Valid() || id.ID == 0 {
		return protocol.Identity{}, ErrInvalidToken
	}
	return id, nil
}

// GenerateIdentityToken signs a token for id. The relay never issues tokens
// itself; this mirrors what the web session does and backs the tests.
func GenerateIdentityToken(id protocol.Identity, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:   string(id.Role),
		UserID: id.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseIdentityToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// IdentityVerifier checks an identity against the persistence store.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, id protocol.Identity) (bool, error)
}

// Middleware 校验 Bearer token，并向存储再次确认身份仍然有效。
func Middleware(secret string, verifier IdentityVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := ParseIdentityToken(tokenStr, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		id, err := claims.Identity()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		active, err := verifier.VerifyIdentity(c.Request.Context(), id)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity check failed"})
			return
		}
		if !active {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity not active"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func GetIdentity(c *gin.Context) (protocol.Identity, bool) {
	if v, ok := c.Get(identityKey); ok {
		if id, ok2 := v.(protocol.Identity); ok2 {
			return id, true
		}
	}
	return protocol.Identity{}, false
}
