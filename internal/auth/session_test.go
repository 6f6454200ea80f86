package auth

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	require.NoError(t, Init(time.Hour))

	token, err := CreateSessionToken("lobby-1", "player-1")
	require.NoError(t, err)

	lobbyID, playerID, err := AuthenticateSession(token)
	require.NoError(t, err)
	assert.Equal(t, "lobby-1", lobbyID)
	assert.Equal(t, "player-1", playerID)

	assert.NoError(t, VerifySeat(token, "lobby-1", "player-1"))
	assert.ErrorIs(t, VerifySeat(token, "lobby-1", "player-2"), ErrInvalidSession)
	assert.ErrorIs(t, VerifySeat(token, "lobby-2", "player-1"), ErrInvalidSession)
}

func TestSessionTokenRejectsGarbageAndForeignKeys(t *testing.T) {
	require.NoError(t, Init(0))
	token, err := CreateSessionToken("lobby-1", "player-1")
	require.NoError(t, err)

	_, _, err = AuthenticateSession("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidSession)

	// a new key pair invalidates everything signed before
	require.NoError(t, Init(0))
	_, _, err = AuthenticateSession(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSessionTokenExpires(t *testing.T) {
	require.NoError(t, Init(time.Hour))
	claims := SessionClaims{
		Lobby: "lobby-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "player-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privateKey)
	require.NoError(t, err)

	_, _, err = AuthenticateSession(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestInitFromPathKeepsTokensValid(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "session.key")
	require.NoError(t, os.WriteFile(path, priv.Seed(), 0o600))

	require.NoError(t, InitFromPath(path, 0))
	token, err := CreateSessionToken("lobby-1", "player-1")
	require.NoError(t, err)

	// reloading the same key, as after a restart
	require.NoError(t, InitFromPath(path, 0))
	_, playerID, err := AuthenticateSession(token)
	require.NoError(t, err)
	assert.Equal(t, "player-1", playerID)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	assert.Error(t, InitFromPath(path, 0))
}
