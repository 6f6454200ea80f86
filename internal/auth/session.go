// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// privateKey and publicKey are used for signing and verifying session tokens.
var (
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// tokenExpiry is how long a session token stays valid (0 => never).
	tokenExpiry time.Duration
)

// ErrInvalidSession is returned for any token that does not prove the claimed seat.
var ErrInvalidSession = errors.New("invalid session token")

// SessionClaims bind a token to one player seat in one lobby.
type SessionClaims struct {
	Lobby string `json:"lobby"`
	jwt.RegisteredClaims
}

// Init generates a fresh ed25519 key pair at runtime. Tokens minted before a restart stop
// verifying; use InitFromPath to keep them valid.
func Init(expiry time.Duration) error {
	var err error
	publicKey, privateKey, err = ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	tokenExpiry = expiry
	return nil
}

// InitFromPath reads an ed25519 private key (raw 64 bytes, or a 32 byte seed) from file.
func InitFromPath(privatePath string, expiry time.Duration) error {
	data, err := os.ReadFile(privatePath)
	if err != nil {
		return fmt.Errorf("failed to read private key file: %w", err)
	}
	switch len(data) {
	case ed25519.PrivateKeySize:
		privateKey = ed25519.PrivateKey(data)
	case ed25519.SeedSize:
		privateKey = ed25519.NewKeyFromSeed(data)
	default:
		return fmt.Errorf("private key file %s has unexpected length %d", privatePath, len(data))
	}
	publicKey = privateKey.Public().(ed25519.PublicKey)
	tokenExpiry = expiry
	return nil
}

// CreateSessionToken signs a token with "sub" = playerID and "lobby" = lobbyID.
func CreateSessionToken(lobbyID, playerID string) (string, error) {
	if privateKey == nil {
		return "", errors.New("session signing key not initialized")
	}
	now := time.Now()
	claims := SessionClaims{
		Lobby: lobbyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  playerID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if tokenExpiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(tokenExpiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// AuthenticateSession verifies a token string and returns the seat it grants.
func AuthenticateSession(tokenString string) (lobbyID, playerID string, err error) {
	claims := &SessionClaims{}
	t, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if !t.Valid {
		return "", "", ErrInvalidSession
	}
	if claims.Subject == "" || claims.Lobby == "" {
		return "", "", fmt.Errorf("%w: missing lobby or player claim", ErrInvalidSession)
	}
	return claims.Lobby, claims.Subject, nil
}

// VerifySeat checks that tokenString grants exactly playerID in lobbyID.
func VerifySeat(tokenString, lobbyID, playerID string) error {
	gotLobby, gotPlayer, err := AuthenticateSession(tokenString)
	if err != nil {
		return err
	}
	if gotLobby != lobbyID || gotPlayer != playerID {
		return fmt.Errorf("%w: token is for a different seat", ErrInvalidSession)
	}
	return nil
}
