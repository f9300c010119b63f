package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/gattmon/internal/gatt"
)

func mkChar(uuid string, value gatt.Handle) gatt.Characteristic {
	return gatt.Characteristic{
		UUID:        uuid,
		DeclHandle:  value - 1,
		ValueHandle: value,
		EndHandle:   value,
		Props:       gatt.PropRead,
	}
}

func TestRegistryAppendPreservesOrder(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.append(mkChar("2a37", 0x0003), 0))
	require.NoError(t, r.append(mkChar("2a38", 0x0006), 0))
	require.NoError(t, r.append(mkChar("2a19", 0x0009), 0))

	all := r.all()
	require.Len(t, all, 3)
	assert.Equal(t, "2a37", all[0].UUID)
	assert.Equal(t, "2a38", all[1].UUID)
	assert.Equal(t, "2a19", all[2].UUID)
	assert.Equal(t, 3, r.len())
}

func TestRegistryRejectsDuplicateValueHandle(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.append(mkChar("2a37", 0x0003), 0))

	err := r.append(mkChar("2a38", 0x0003), 0)
	assert.ErrorIs(t, err, ErrDuplicateHandle)
	assert.Equal(t, 1, r.len())
}

func TestRegistryLimit(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.append(mkChar("2a37", 0x0003), 2))
	require.NoError(t, r.append(mkChar("2a38", 0x0006), 2))

	err := r.append(mkChar("2a19", 0x0009), 2)
	assert.ErrorIs(t, err, ErrRegistryFull)

	// Existing records stay intact after a refused append.
	all := r.all()
	require.Len(t, all, 2)
	assert.Equal(t, "2a37", all[0].UUID)
	assert.Equal(t, "2a38", all[1].UUID)

	// The duplicate check still wins over the limit check.
	assert.ErrorIs(t, r.append(mkChar("2a37", 0x0003), 2), ErrDuplicateHandle)
}

func TestRegistryCursor(t *testing.T) {
	r := newRegistry()
	_, ok := r.current()
	assert.False(t, ok, "empty registry has no current record")
	assert.True(t, r.exhausted())

	require.NoError(t, r.append(mkChar("2a37", 0x0003), 0))
	require.NoError(t, r.append(mkChar("2a38", 0x0006), 0))

	c, ok := r.current()
	require.True(t, ok)
	assert.Equal(t, "2a37", c.UUID)

	r.advance()
	c, ok = r.current()
	require.True(t, ok)
	assert.Equal(t, "2a38", c.UUID)

	r.advance()
	_, ok = r.current()
	assert.False(t, ok)
	assert.True(t, r.exhausted())

	// Advancing past the end never wraps.
	r.advance()
	assert.True(t, r.exhausted())

	r.reset()
	c, ok = r.current()
	require.True(t, ok)
	assert.Equal(t, "2a37", c.UUID)
}

func TestRegistryLookup(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.append(mkChar("2a37", 0x0003), 0))

	c, ok := r.lookup(0x0003)
	require.True(t, ok)
	assert.Equal(t, "2a37", c.UUID)

	_, ok = r.lookup(0x0042)
	assert.False(t, ok)
}

func TestRegistryClear(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.append(mkChar("2a37", 0x0003), 0))
	r.advance()

	r.clear()
	assert.Equal(t, 0, r.len())
	assert.True(t, r.exhausted())

	// The same value handle is acceptable again after clear.
	require.NoError(t, r.append(mkChar("2a37", 0x0003), 0))
	c, ok := r.current()
	require.True(t, ok)
	assert.Equal(t, "2a37", c.UUID)
}
