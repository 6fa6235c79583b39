package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/gate"
)

func noop(context.Context, map[string]any) (map[string]any, error) { return nil, nil }

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("system.echo", noop))
	require.NoError(t, r.Register("deploy.service", noop))

	err := r.Register("system.echo", noop)
	require.ErrorIs(t, err, ErrDuplicateAction)

	assert.Error(t, r.Register("Bad Name", noop))
	assert.Error(t, r.Register("system.nil", nil))

	_, ok := r.Lookup("system.echo")
	assert.True(t, ok)
	_, ok = r.Lookup("system.missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"deploy.service", "system.echo"}, r.Actions())
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("system.echo", noop))

	ok, err := gate.NewPolicy(true, []string{"system.echo", "system.*", "reports.*"}, nil)
	require.NoError(t, err)
	assert.NoError(t, r.Validate(ok, testLogger))

	bad, err := gate.NewPolicy(true, []string{"system.echo", "system.purge"}, nil)
	require.NoError(t, err)
	err = r.Validate(bad, testLogger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system.purge")
}
