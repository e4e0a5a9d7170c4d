package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklink/chat-realtime/internal/chat"
)

func newAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New("test-secret", "tasklink", "")
	require.NoError(t, err)
	return a
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New("  ", "", "")
	assert.Error(t, err)
}

func TestIdentify_RoundTrip(t *testing.T) {
	a := newAuth(t)
	token, err := a.Issue(chat.Identity{UserID: "P9", IsProvider: true}, time.Hour)
	require.NoError(t, err)

	id, err := a.Identify(token)
	require.NoError(t, err)
	assert.Equal(t, chat.Identity{UserID: "P9", IsProvider: true}, id)
}

func TestIdentify_Rejects(t *testing.T) {
	a := newAuth(t)
	good, err := a.Issue(chat.Identity{UserID: "U"}, time.Hour)
	require.NoError(t, err)

	other, err := New("other-secret", "tasklink", "")
	require.NoError(t, err)
	wrongKey, err := other.Issue(chat.Identity{UserID: "U"}, time.Hour)
	require.NoError(t, err)

	expired, err := a.Issue(chat.Identity{UserID: "U"}, -time.Minute)
	require.NoError(t, err)

	foreign, err := New("test-secret", "someone-else", "")
	require.NoError(t, err)
	wrongIssuer, err := foreign.Issue(chat.Identity{UserID: "U"}, time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "U"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tasklink",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"wrong key":    wrongKey,
		"expired":      expired,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
		"no user":      noUser,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Identify(token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, chat.ErrUnauthorized))
		})
	}

	_, err = a.Identify(good)
	assert.NoError(t, err)
}

func TestFromRequest_CookieThenBearer(t *testing.T) {
	a := newAuth(t)
	token, err := a.Issue(chat.Identity{UserID: "U"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Cookie", "token="+token)
	id, err := a.FromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "U", id.UserID)

	req = httptest.NewRequest("GET", "/api/chats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	id, err = a.FromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "U", id.UserID)

	req = httptest.NewRequest("GET", "/api/chats", nil)
	_, err = a.FromRequest(req)
	assert.True(t, errors.Is(err, chat.ErrUnauthorized))
}
