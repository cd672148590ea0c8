package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsApplyWhenFileIsNew(t *testing.T) {
	s, err := Open(t.TempDir(), Defaults{Enabled: true})
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.Get(KeyEnabled))
	assert.False(t, s.Get(KeyEnabledInRestrictedMode))
}

func TestPutSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Defaults{Enabled: true})
	require.NoError(t, err)
	require.NoError(t, s.Put(KeyEnabled, false))
	require.NoError(t, s.Put(KeyEnabledInRestrictedMode, true))
	require.NoError(t, s.Close())

	// Defaults must not clobber persisted values.
	s, err = Open(dir, Defaults{Enabled: true})
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Get(KeyEnabled))
	assert.True(t, s.Get(KeyEnabledInRestrictedMode))
}

func TestUnknownKeyReadsFalse(t *testing.T) {
	s, err := Open(t.TempDir(), Defaults{})
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Get("no_such_key"))
}
