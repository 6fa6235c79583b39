package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimits(t *testing.T) {
	assert.Equal(t, DefaultListLimit, NormalizeLimit(0))
	assert.Equal(t, MaxListLimit, NormalizeLimit(MaxListLimit+1))
	assert.Equal(t, 7, NormalizeLimit(7))

	// Store reads keep the look-ahead row at the maximum page size.
	assert.Equal(t, DefaultListLimit, FetchLimit(-1))
	assert.Equal(t, MaxListLimit+1, FetchLimit(MaxListLimit+1))
	assert.Equal(t, MaxListLimit+1, FetchLimit(5000))
}
