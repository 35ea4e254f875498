package abi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeMemory is a minimal MemoryAccessor backed by a plain byte slice, just
// large enough to exercise ArgBuffer's own bounds-checking logic in
// isolation from pkg/memory's CoW machinery.
type fakeMemory struct {
	buf []byte
}

func (m *fakeMemory) Read(offset, length int) ([]byte, error) {
	out := make([]byte, length)
	copy(out, m.buf[offset:offset+length])
	return out, nil
}

func (m *fakeMemory) Write(offset int, src []byte) error {
	copy(m.buf[offset:], src)
	return nil
}

func TestArgBufferWriteReadRoundTrip(t *testing.T) {
	mem := &fakeMemory{buf: make([]byte, 64)}
	a := NewArgBuffer(mem, 0, 32)

	require.NoError(t, a.Write([]byte("hello")))
	got, err := a.Read(5)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestArgBufferWriteExactCapacitySucceeds(t *testing.T) {
	mem := &fakeMemory{buf: make([]byte, 16)}
	a := NewArgBuffer(mem, 0, 16)

	require.NoError(t, a.Write(make([]byte, 16)))
}

func TestArgBufferWriteOneByteOverCapacityFails(t *testing.T) {
	mem := &fakeMemory{buf: make([]byte, 16)}
	a := NewArgBuffer(mem, 0, 16)

	err := a.Write(make([]byte, 17))
	require.Error(t, err)
}

func TestArgBufferReadOneByteOverCapacityFails(t *testing.T) {
	mem := &fakeMemory{buf: make([]byte, 16)}
	a := NewArgBuffer(mem, 0, 16)

	_, err := a.Read(17)
	require.Error(t, err)
}

func TestArgBufferReadNegativeLengthFails(t *testing.T) {
	mem := &fakeMemory{buf: make([]byte, 16)}
	a := NewArgBuffer(mem, 0, 16)

	_, err := a.Read(-1)
	require.Error(t, err)
}

func TestEncodeDecodeBytesRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		[]byte("x"),
		[]byte("a longer payload with several bytes in it"),
	}
	for _, c := range cases {
		encoded := EncodeBytes(c)
		decoded, n, err := DecodeBytes(encoded)
		require.NoError(t, err)
		require.Equal(t, len(encoded), n)
		require.Equal(t, c, decoded)
	}
}

func TestDecodeBytesShortBufferFails(t *testing.T) {
	_, _, err := DecodeBytes([]byte{0, 0})
	require.Error(t, err)
}

func TestDecodeBytesDeclaredLengthExceedsBufferFails(t *testing.T) {
	buf := make([]byte, 4)
	buf[3] = 0xFF // declares a huge length with nothing behind it
	_, _, err := DecodeBytes(buf)
	require.Error(t, err)
}

// FuzzEncodeDecodeBytesRoundTrip fuzzes EncodeBytes/DecodeBytes symmetry:
// decoding an encoded payload must always recover the original bytes and
// consume exactly as many bytes as were produced (§4.9's zero-copy
// length-prefixed records must round-trip for any payload that fits in an
// ArgBuffer).
func FuzzEncodeDecodeBytesRoundTrip(f *testing.F) {
	f.Add([]byte(nil))
	f.Add([]byte{})
	f.Add([]byte("hello"))
	f.Add([]byte{0x00, 0xFF, 0x10, 0x20})

	f.Fuzz(func(t *testing.T, b []byte) {
		// Keep memory bounded for fuzzing.
		if len(b) > 4096 {
			b = b[:4096]
		}

		encoded := EncodeBytes(b)
		decoded, n, err := DecodeBytes(encoded)
		require.NoError(t, err)
		require.Equal(t, len(encoded), n)
		require.Equal(t, b, decoded)
	})
}
