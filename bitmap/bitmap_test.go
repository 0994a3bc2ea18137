package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOverlayIsZeroed(t *testing.T) {
	o := New(64)
	assert.Equal(t, 64, o.Bits())
	assert.Equal(t, 0, o.Popcount())
	assert.Equal(t, 0, o.FirstZero())
}

func TestSetTestClear(t *testing.T) {
	o := New(16)

	o.Set(3)
	assert.True(t, o.Test(3))
	assert.False(t, o.Test(2))
	assert.False(t, o.Test(4))
	assert.Equal(t, 1, o.Popcount())

	o.Clear(3)
	assert.False(t, o.Test(3))
	assert.Equal(t, 0, o.Popcount())
}

func TestOverlaySharesCallerMemory(t *testing.T) {
	buf := make([]byte, 2)
	o := NewOverlay(buf, 16)

	o.Set(0)
	o.Set(9)
	assert.Equal(t, byte(0x01), buf[0])
	assert.Equal(t, byte(0x02), buf[1])

	// Mutating the buffer directly is visible through the overlay.
	buf[0] = 0xFF
	assert.True(t, o.Test(7))
	assert.Equal(t, 9, o.Popcount())
}

func TestFirstZeroSkipsFullBytes(t *testing.T) {
	o := New(24)
	for i := 0; i < 11; i++ {
		o.Set(i)
	}
	assert.Equal(t, 11, o.FirstZero())
}

func TestFirstZeroExhausted(t *testing.T) {
	o := New(16)
	for i := 0; i < 16; i++ {
		o.Set(i)
	}
	assert.Equal(t, None, o.FirstZero())
}

func TestPopcountIgnoresBitsPastWidth(t *testing.T) {
	buf := []byte{0xFF, 0xFF}
	o := NewOverlay(buf, 11)
	require.Equal(t, 11, o.Popcount())

	// FirstZero must also never report an index past the width.
	assert.Equal(t, None, o.FirstZero())
}

func TestFirstZeroAfterClear(t *testing.T) {
	o := New(9)
	for i := 0; i < 9; i++ {
		o.Set(i)
	}
	o.Clear(8)
	assert.Equal(t, 8, o.FirstZero())
	o.Clear(2)
	assert.Equal(t, 2, o.FirstZero())
}
