package chat

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipantsIncludes(t *testing.T) {
	p := Participants{UserID: "U", ProviderID: "P9"}

	cases := []struct {
		name string
		id   Identity
		want bool
	}{
		{"customer", Identity{UserID: "U"}, true},
		{"provider", Identity{UserID: "P9", IsProvider: true}, true},
		{"stranger", Identity{UserID: "X"}, false},
		{"customer id on provider side", Identity{UserID: "U", IsProvider: true}, false},
		{"provider id on customer side", Identity{UserID: "P9"}, false},
		{"empty", Identity{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.Includes(tc.id))
		})
	}

	assert.Equal(t, "P9", p.Peer(Identity{UserID: "U"}))
	assert.Equal(t, "U", p.Peer(Identity{UserID: "P9", IsProvider: true}))
}

func TestIdentityRole(t *testing.T) {
	assert.Equal(t, RoleCustomer, Identity{UserID: "U"}.Role())
	assert.Equal(t, RoleProvider, Identity{UserID: "P", IsProvider: true}.Role())
}

func TestValidateContent(t *testing.T) {
	cases := []struct {
		name    string
		content string
		ok      bool
	}{
		{"plain", "hola", true},
		{"empty", "", false},
		{"whitespace", " \t\n ", false},
		{"max chars", strings.Repeat("a", MaxTextChars), true},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), false},
		{"too many bytes", strings.Repeat("é", MaxMessageBytes/2+1), false},
		{"invalid utf8", "ok\xff", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateContent(tc.content)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidContent)
		})
	}
}

func TestCode(t *testing.T) {
	cases := map[error]string{
		ErrUnauthorized:                         CodeUnauthorized,
		fmt.Errorf("join C1: %w", ErrForbidden): CodeForbidden,
		ErrNotJoined:                            CodeNotJoined,
		ErrInvalidContent:                       CodeInvalidContent,
		fmt.Errorf("persist: %w", ErrPersistence): CodePersistenceFailure,
		ErrProtocol:                             CodeProtocolError,
		ErrChatNotFound:                         CodeNotFound,
		fmt.Errorf("boom"):                      CodeInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, Code(err), err.Error())
	}
}
