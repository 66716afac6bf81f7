package relayserver

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pairpad/voicemesh/internal/domain"
)

const tokenLifetime = 12 * time.Hour

// channelClaims scopes a subscription token to one participant in one
// session. This is opaque membership plumbing, not authorization.
type channelClaims struct {
	SessionID     domain.SessionID     `json:"sid"`
	ParticipantID domain.ParticipantID `json:"pid"`
	jwt.RegisteredClaims
}

func issueToken(secret string, session domain.SessionID, id domain.ParticipantID) (string, error) {
	claims := channelClaims{
		SessionID:     session,
		ParticipantID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenLifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, tokenString string) (*channelClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &channelClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*channelClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
