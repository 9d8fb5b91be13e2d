package checks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AtMostOneRunPerChange(t *testing.T) {
	r := NewRegistry()

	tok, err := r.Begin("chg")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.True(t, r.Running("chg"))

	_, err = r.Begin("chg")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// Other changes are independent.
	_, err = r.Begin("other")
	assert.NoError(t, err)

	r.Finish("chg")
	assert.False(t, r.Running("chg"))

	_, err = r.Begin("chg")
	assert.NoError(t, err)
}

func TestRegistry_StopSetsToken(t *testing.T) {
	r := NewRegistry()

	tok, err := r.Begin("chg")
	require.NoError(t, err)
	assert.False(t, tok.Aborted())

	assert.True(t, r.Stop("chg"))
	assert.True(t, tok.Aborted())

	// Stop reports false when nothing is in flight.
	assert.False(t, r.Stop("idle"))
}

func TestRegistry_FinishIsIdempotent(t *testing.T) {
	r := NewRegistry()

	_, err := r.Begin("chg")
	require.NoError(t, err)

	r.Finish("chg")
	r.Finish("chg")
	assert.False(t, r.Running("chg"))
}
