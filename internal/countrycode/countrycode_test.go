package countrycode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverrideWinsOverDefault(t *testing.T) {
	r := NewResolver("ww", nil)
	assert.Equal(t, "WW", r.Get())
	assert.False(t, r.IsOverridden())

	require.NoError(t, r.SetOverride("us"))
	assert.Equal(t, "US", r.Get())
	assert.True(t, r.IsOverridden())

	r.ClearOverride()
	assert.Equal(t, "WW", r.Get())
	assert.False(t, r.IsOverridden())
}

func TestSetOverrideRejectsInvalid(t *testing.T) {
	r := NewResolver("WW", nil)
	assert.Error(t, r.SetOverride("USA"))
	assert.Error(t, r.SetOverride("1A"))
	assert.Error(t, r.SetOverride(""))
	assert.Equal(t, "WW", r.Get())
}

func TestOnChangedFiresOnlyOnEffectiveChange(t *testing.T) {
	var changes []string
	r := NewResolver("WW", func(code string) { changes = append(changes, code) })

	require.NoError(t, r.SetOverride("US"))
	require.NoError(t, r.SetOverride("US"))
	r.ClearOverride()
	r.ClearOverride()

	assert.Equal(t, []string{"US", "WW"}, changes)
}
