package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()

	_, found, err := m.GetItem("missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.SetItem("k", "v"))
	value, found, err := m.GetItem("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", value)

	require.NoError(t, m.RemoveItem("k"))
	_, found, err = m.GetItem("k")
	require.NoError(t, err)
	assert.False(t, found)
}
