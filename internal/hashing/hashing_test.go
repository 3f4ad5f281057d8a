package hashing

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestDomainsArePairwiseDistinct(t *testing.T) {
	for _, uid := range []string{"A", "user-123", "0Qf8tJkLmNoPqRsTuVwX"} {
		hi := InteractionHash(uid)
		hn := NotificationHash(uid)
		hr := ReportHash(uid)
		hc := ChainHash(hi)

		all := []string{hi, hn, hr, hc}
		seen := map[string]bool{}
		for _, h := range all {
			assert.Regexp(t, hexRe, h)
			assert.False(t, seen[h], "domains must not collide for uid %q", uid)
			seen[h] = true
		}
	}
}

func TestDeterministic(t *testing.T) {
	assert.Equal(t, InteractionHash("abc"), InteractionHash("abc"))
	assert.Equal(t, NotificationHash("abc"), NotificationHash("abc"))
	assert.Equal(t, ReportHash("abc"), ReportHash("abc"))
	assert.Equal(t, ChainHash("abc"), ChainHash("abc"))
}

func TestUidCaseFolded(t *testing.T) {
	// Clients historically sent uids in mixed case; the server canonicalises
	// to upper case before hashing so both spellings land on one identity.
	assert.Equal(t, InteractionHash("aBcD"), InteractionHash("ABCD"))
	assert.Equal(t, NotificationHash("aBcD"), NotificationHash("ABCD"))
}

func TestChainHashUsesInteractionHashVerbatim(t *testing.T) {
	// ChainHash is applied over the interaction hash, which is lowercase
	// hex. It must not case-fold, otherwise the same path would produce a
	// different chain id than the one clients verify against.
	hi := InteractionHash("A")
	require.NotEqual(t, ChainHash(hi), ChainHash("x"+hi[1:]))

	upper := "ABCDEF0123456789"
	assert.NotEqual(t, ChainHash(upper), ChainHash("abcdef0123456789"))
}

func TestChainPath(t *testing.T) {
	hi := []string{InteractionHash("A"), InteractionHash("B")}
	got := ChainPath(hi)
	require.Len(t, got, 2)
	assert.Equal(t, ChainHash(hi[0]), got[0])
	assert.Equal(t, ChainHash(hi[1]), got[1])
}
