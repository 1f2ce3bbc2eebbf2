package wasm

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestU32RoundTrip(t *testing.T) {
	values := []uint32{0, 1, 127, 128, 255, 624485, math.MaxUint32}

	for _, v := range values {
		var buf bytes.Buffer
		WriteU32(&buf, v)

		got, err := ReadU32(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestS32RoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 63, 64, -64, -65, 624485, -624485, math.MaxInt32, math.MinInt32}

	for _, v := range values {
		var buf bytes.Buffer
		WriteS32(&buf, v)

		got, err := ReadS32(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestS64RoundTrip(t *testing.T) {
	values := []int64{0, -1, math.MaxInt64, math.MinInt64, 1 << 40, -(1 << 40)}

	for _, v := range values {
		var buf bytes.Buffer
		WriteS64(&buf, v)

		got, err := ReadS64(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestKnownEncodings(t *testing.T) {
	var buf bytes.Buffer
	WriteU32(&buf, 624485)
	assert.Equal(t, []byte{0xE5, 0x8E, 0x26}, buf.Bytes())

	buf.Reset()
	WriteS32(&buf, -123456)
	assert.Equal(t, []byte{0xC0, 0xBB, 0x78}, buf.Bytes())
}

func TestReadU32Overflow(t *testing.T) {
	_, err := ReadU32(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80}))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestReadU32Truncated(t *testing.T) {
	_, err := ReadU32(bytes.NewReader([]byte{0x80}))
	assert.Error(t, err)
}
