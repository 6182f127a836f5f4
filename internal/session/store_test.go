package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/pipeline"
)

func twoSessions() []pipeline.Session {
	return []pipeline.Session{
		{Label: "alpha", Cookies: []pipeline.Cookie{{Name: "sid", Value: "a"}}},
		{Label: "beta", Cookies: []pipeline.Cookie{{Name: "sid", Value: "b"}}},
	}
}

func TestRotateAdvancesModuloLength(t *testing.T) {
	t.Parallel()

	store := NewStore(twoSessions(), zap.NewNop())

	first, ok := store.Current()
	require.True(t, ok)
	require.Equal(t, "alpha", first.Label)

	require.True(t, store.Rotate())
	second, ok := store.Current()
	require.True(t, ok)
	require.Equal(t, "beta", second.Label)

	require.True(t, store.Rotate())
	wrapped, ok := store.Current()
	require.True(t, ok)
	require.Equal(t, "alpha", wrapped.Label)
}

func TestRotateNoOpWithOneSession(t *testing.T) {
	t.Parallel()

	store := NewStore(twoSessions()[:1], zap.NewNop())
	for i := 0; i < 5; i++ {
		require.False(t, store.Rotate())
		cur, ok := store.Current()
		require.True(t, ok)
		require.Equal(t, "alpha", cur.Label)
	}
}

func TestRotateNoOpWhenEmpty(t *testing.T) {
	t.Parallel()

	store := NewStore(nil, zap.NewNop())
	require.Zero(t, store.Len())
	require.False(t, store.Rotate())
	_, ok := store.Current()
	require.False(t, ok)
}

func TestNormalizeCookieSameSite(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"no_restriction": SameSiteNone,
		"none":           SameSiteNone,
		"lax":            SameSiteLax,
		"unspecified":    SameSiteLax,
		"":               SameSiteLax,
		"strict":         SameSiteStrict,
		"Strict":         SameSiteStrict,
		"garbage":        SameSiteLax,
	}
	for in, want := range cases {
		got := NormalizeCookie(pipeline.Cookie{SameSite: in})
		require.Equal(t, want, got.SameSite, "input %q", in)
	}
}

func TestNormalizeCookieDecodesValue(t *testing.T) {
	t.Parallel()

	got := NormalizeCookie(pipeline.Cookie{Value: "abc%3Adef%2Bxyz"})
	require.Equal(t, "abc:def+xyz", got.Value)

	// A plus sign outside an escape sequence must survive untouched.
	got = NormalizeCookie(pipeline.Cookie{Value: "a+b"})
	require.Equal(t, "a+b", got.Value)

	got = NormalizeCookie(pipeline.Cookie{Value: "plain"})
	require.Equal(t, "plain", got.Value)
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sessions.json")
	body := `[
  {"label":"acct-1","cookies":[{"name":"sid","value":"one","domain":".example.com","sameSite":"no_restriction"}]},
  {"label":"acct-2","cookies":[{"name":"sid","value":"two","domain":".example.com"}]}
]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	sessions, err := LoadJSON(path)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "acct-1", sessions[0].Label)

	store := NewStore(sessions, zap.NewNop())
	cur, ok := store.Current()
	require.True(t, ok)
	require.Equal(t, SameSiteNone, cur.Cookies[0].SameSite)
}

func TestLoadCookiesTxt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cookies.txt")
	body := "# Netscape HTTP Cookie File\n" +
		".example.com\tTRUE\t/\tTRUE\t2147483647\tsid\tsecret\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	sessions, err := LoadCookiesTxt(path)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Len(t, sessions[0].Cookies, 1)
	require.Equal(t, "sid", sessions[0].Cookies[0].Name)
	require.Equal(t, "secret", sessions[0].Cookies[0].Value)
	require.Equal(t, ".example.com", sessions[0].Cookies[0].Domain)
}

func TestLoadMissingFiles(t *testing.T) {
	t.Parallel()

	_, err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)

	_, err = LoadCookiesTxt(filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)

	sessions, err := Load("", nil)
	require.NoError(t, err)
	require.Empty(t, sessions)
}
