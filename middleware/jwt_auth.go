package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ownerIDKey    = "owner_id"
	ownerEmailKey = "owner_email"
)

// Claims are the claims expected in an access token. Tokens are minted by
// the identity provider; this service only validates them.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// JWTAuthMiddleware validates HS256 bearer tokens signed with secret and
// stores the owner id and e-mail in the gin context. Websocket clients that
// cannot set headers may pass the token in the access_token query parameter.
func JWTAuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		tokenString, err := bearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}

		claims, err := validateToken(tokenString, key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": fmt.Sprintf("Invalid token: %v", err),
			})
			return
		}

		c.Set(ownerIDKey, claims.Subject)
		c.Set(ownerEmailKey, claims.Email)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("access_token"); token != "" {
			return token, nil
		}
		return "", errors.New("Authorization header is required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader || tokenString == "" {
		return "", errors.New("Invalid authorization header format. Use: Bearer <token>")
	}
	return tokenString, nil
}

func validateToken(tokenString string, key []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// OwnerFromContext returns the authenticated owner id
func OwnerFromContext(c *gin.Context) (string, error) {
	owner := c.GetString(ownerIDKey)
	if owner == "" {
		return "", errors.New("user not authenticated")
	}
	return owner, nil
}

// EmailFromContext returns the authenticated owner's e-mail, which may be empty
func EmailFromContext(c *gin.Context) string {
	return c.GetString(ownerEmailKey)
}
