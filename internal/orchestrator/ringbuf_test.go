package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferShortWrites(t *testing.T) {
	r := newRingBuffer(16)
	_, err := r.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = r.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(r.Bytes()))
}

func TestRingBufferWrapKeepsTail(t *testing.T) {
	r := newRingBuffer(8)
	for _, s := range []string{"aaaa", "bbbb", "cccc"} {
		_, err := r.Write([]byte(s))
		require.NoError(t, err)
	}
	assert.Equal(t, "bbbbcccc", string(r.Bytes()))
}

func TestRingBufferOversizedWrite(t *testing.T) {
	r := newRingBuffer(4)
	_, err := r.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, "6789", string(r.Bytes()))
}

func TestRingBufferStringTrimsNewline(t *testing.T) {
	r := newRingBuffer(64)
	_, err := r.Write([]byte("boom\n"))
	require.NoError(t, err)
	assert.Equal(t, "boom", r.String())
}
