//go:build linux

package dma

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapAllocator_AllocFree(t *testing.T) {
	a := NewMmapAllocator(0, 0)
	defer a.Close()

	m, err := a.Alloc(2048, FromDevice)
	require.NoError(t, err)
	assert.Len(t, m.Virt, 2048)
	assert.Equal(t, 1, m.Cookies)
	assert.Equal(t, FromDevice, m.Dir)
	assert.Zero(t, m.Phys%uint64(os.Getpagesize()))
	assert.Equal(t, 1, a.Outstanding())

	require.NoError(t, a.Free(m))
	assert.Equal(t, 0, a.Outstanding())
	assert.ErrorIs(t, a.Free(m), ErrUnknownMapping)
}

func TestMmapAllocator_InvalidSize(t *testing.T) {
	a := NewMmapAllocator(0, 0)
	defer a.Close()

	_, err := a.Alloc(0, ToDevice)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = a.Alloc(-5, ToDevice)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestMmapAllocator_Translate(t *testing.T) {
	a := NewMmapAllocator(0, 0)
	defer a.Close()

	m1, err := a.Alloc(4096, Bidirectional)
	require.NoError(t, err)
	m2, err := a.Alloc(100, Bidirectional)
	require.NoError(t, err)
	assert.Greater(t, m2.Phys, m1.Phys+4096, "mappings must be separated by a guard")

	copy(m1.Virt[10:], "hello")
	b, err := a.Translate(m1.Phys+10, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	// Writes through the translation are visible in the host view.
	b, err = a.Translate(m2.Phys, 3)
	require.NoError(t, err)
	copy(b, "abc")
	assert.Equal(t, "abc", string(m2.Virt[:3]))

	_, err = a.Translate(m1.Phys-1, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = a.Translate(m1.Phys+4090, 10)
	assert.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, a.Free(m1))
	_, err = a.Translate(m1.Phys, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestMmapAllocator_Exhausted(t *testing.T) {
	ps := uint64(os.Getpagesize())
	a := NewMmapAllocator(0, 3*ps)
	defer a.Close()

	_, err := a.Alloc(int(ps), ToDevice)
	require.NoError(t, err)
	_, err = a.Alloc(int(ps), ToDevice)
	require.NoError(t, err)
	_, err = a.Alloc(int(ps), ToDevice)
	assert.ErrorIs(t, err, ErrIOVAExhausted)
}

func TestMmapAllocator_Close(t *testing.T) {
	a := NewMmapAllocator(0, 0)
	for range 4 {
		_, err := a.Alloc(512, ToDevice)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, a.Outstanding())
	require.NoError(t, a.Close())
	assert.Equal(t, 0, a.Outstanding())
}
