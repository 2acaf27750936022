package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified user behind a token.
type Identity struct {
	UserID   int
	Username string
}

// Claims carries the identity fields the relay needs beyond the registered
// set. Subject holds the user id.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Manager signs and verifies HS256 tokens.
type Manager struct {
	secretKey     string
	tokenDuration time.Duration
}

// NewManager constructs a Manager.
func NewManager(secret string, duration time.Duration) *Manager {
	return &Manager{secretKey: secret, tokenDuration: duration}
}

// Generate creates a signed token for the user.
func (m *Manager) Generate(userID int, username string) (string, error) {
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(userID),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenDuration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.secretKey))
}

// Verify parses the token and returns the identity it asserts.
func (m *Manager) Verify(accessToken string) (Identity, error) {
	token, err := jwt.ParseWithClaims(accessToken, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.secretKey), nil
	})
	if err != nil {
		return Identity{}, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, errors.New("invalid token")
	}

	userID, err := strconv.Atoi(claims.Subject)
	if err != nil || userID == 0 {
		return Identity{}, errors.New("invalid subject claim")
	}
	if claims.Username == "" {
		return Identity{}, errors.New("missing username claim")
	}

	return Identity{UserID: userID, Username: claims.Username}, nil
}
