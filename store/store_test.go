package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func TestSessionRoundtrip(t *testing.T) {
	st := openTest(t)

	_, found, err := st.LoadSession()
	require.NoError(t, err)
	assert.False(t, found)

	sess := Session{
		Homeserver:  "https://example.org",
		UserID:      "@me:example.org",
		AccessToken: "syt_token",
		DeviceID:    "ABCDEF",
		Extra:       map[string]interface{}{"pickle": "blob"},
	}
	require.NoError(t, st.SaveSession(sess))

	got, found, err := st.LoadSession()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, sess, got)
}

func TestSessionOverwrite(t *testing.T) {
	st := openTest(t)

	require.NoError(t, st.SaveSession(Session{UserID: "@old:example.org"}))
	require.NoError(t, st.SaveSession(Session{UserID: "@new:example.org"}))

	got, found, err := st.LoadSession()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "@new:example.org", got.UserID)
}

func TestClearSession(t *testing.T) {
	st := openTest(t)

	require.NoError(t, st.SaveSession(Session{UserID: "@me:example.org"}))
	require.NoError(t, st.ClearSession())

	_, found, err := st.LoadSession()
	require.NoError(t, err)
	assert.False(t, found)

	// clearing an already-empty store is fine
	require.NoError(t, st.ClearSession())
}

func TestProfilesRoundtrip(t *testing.T) {
	st := openTest(t)

	empty, err := st.LoadProfiles()
	require.NoError(t, err)
	assert.Empty(t, empty)

	profiles := map[string]Profile{
		"@alice:example.org": {DisplayName: "Alice", AvatarURL: "mxc://x/a"},
		"@bob:example.org":   {DisplayName: "Bob"},
	}
	require.NoError(t, st.SaveProfiles(profiles))

	got, err := st.LoadProfiles()
	require.NoError(t, err)
	assert.Equal(t, profiles, got)
}
