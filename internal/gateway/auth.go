package gateway

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims a bridge presents when connecting.
type Claims struct {
	ClientID string `json:"client_id"`
	Platform string `json:"platform"`
	jwt.RegisteredClaims
}

// GenerateToken mints a connection token for a bridge client.
func GenerateToken(secret, clientID, platform string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("jwt secret not configured")
	}

	now := time.Now()
	claims := &Claims{
		ClientID: clientID,
		Platform: platform,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "weft",
			Subject:   clientID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// validateToken parses and verifies a bridge token.
func validateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.ClientID == "" {
		return nil, fmt.Errorf("token missing client_id")
	}
	return claims, nil
}
