package iocore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_WriteAndReadAvail(t *testing.T) {
	buf, err := NewBuffer(0) // 128B blocks
	require.NoError(t, err)

	r := buf.AllocReader()
	assert.EqualValues(t, 0, r.Avail())

	payload := make([]byte, 300) // spans multiple 128B blocks
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := buf.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	assert.EqualValues(t, len(payload), r.Avail())
}

// TestBuffer_ReaderAvailInvariant checks invariant 1 from spec.md §8:
// for every reader, avail() == total_produced - total_consumed, across a
// random-ish sequence of writes and partial consumes.
func TestBuffer_ReaderAvailInvariant(t *testing.T) {
	buf, err := NewBuffer(0)
	require.NoError(t, err)
	r := buf.AllocReader()

	var produced, consumed int64
	chunks := [][]byte{
		make([]byte, 50),
		make([]byte, 200),
		make([]byte, 5),
		make([]byte, 1000),
	}
	consumeAmounts := []int64{10, 100, 0, 900}

	for i, c := range chunks {
		n, werr := buf.Write(c)
		require.NoError(t, werr)
		produced += int64(n)
		assert.EqualValues(t, produced-consumed, r.Avail())

		r.Consume(consumeAmounts[i])
		consumed += consumeAmounts[i]
		assert.EqualValues(t, produced-consumed, r.Avail())
	}
}

func TestBuffer_IndependentReaders(t *testing.T) {
	buf, err := NewBuffer(1)
	require.NoError(t, err)

	r1 := buf.AllocReader()
	buf.Write([]byte("hello"))
	r2 := buf.AllocReader() // positioned after "hello"
	buf.Write([]byte(" world"))

	assert.EqualValues(t, 11, r1.Avail())
	assert.EqualValues(t, 6, r2.Avail())

	r1.Consume(5)
	assert.EqualValues(t, 6, r1.Avail())
	assert.EqualValues(t, 6, r2.Avail())
}

func TestBuffer_SegmentsDoesNotSpanBlocks(t *testing.T) {
	buf, err := NewBuffer(0) // 128B blocks
	require.NoError(t, err)
	r := buf.AllocReader()

	buf.Write(make([]byte, 300))
	segs := r.Segments(300)

	var total int
	for _, s := range segs {
		assert.LessOrEqual(t, len(s), 128)
		total += len(s)
	}
	assert.Equal(t, 300, total)
}

func TestBuffer_ReclaimsConsumedBlocks(t *testing.T) {
	buf, err := NewBuffer(0)
	require.NoError(t, err)
	r := buf.AllocReader()

	buf.Write(make([]byte, 400)) // several 128B blocks
	headBefore := buf.head

	r.Consume(128)
	assert.NotSame(t, headBefore, buf.head)
}

func TestBuffer_InvalidSizeIndex(t *testing.T) {
	_, err := NewBuffer(-1)
	assert.ErrorIs(t, err, ErrBufferSizeIndex)

	_, err = NewBuffer(MaxSizeIndex + 1)
	assert.ErrorIs(t, err, ErrBufferSizeIndex)
}

func TestBuffer_CopyFromDoesNotAdvanceSource(t *testing.T) {
	src, err := NewBuffer(2)
	require.NoError(t, err)
	srcReader := src.AllocReader()
	src.Write([]byte("abcdefgh"))

	dst, err := NewBuffer(2)
	require.NoError(t, err)
	dstReader := dst.AllocReader()

	n, err := dst.CopyFrom(srcReader, 4, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.EqualValues(t, 8, srcReader.Avail(), "CopyFrom must not advance the source reader")

	assert.EqualValues(t, 4, dstReader.Avail())
}
