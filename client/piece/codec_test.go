package piece

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameUnframeRoundTrip(t *testing.T) {
	cases := []struct {
		body      []byte
		pieceSize uint32
	}{
		{body: []byte("hello world"), pieceSize: 4 * 1024 * 1024},
		{body: []byte{}, pieceSize: 1024},
		{body: bytes.Repeat([]byte{0xab}, 1 << 16), pieceSize: 65536},
	}

	for _, c := range cases {
		framed := Frame(c.body, c.pieceSize)
		got := Unframe([][]byte{framed})
		assert.Equal(t, c.body, got)
	}
}

func TestUnframeMultiChunk(t *testing.T) {
	framed := Frame([]byte("abcdefghij"), 4096)
	// split into three chunks at arbitrary boundaries
	c1, c2, c3 := framed[:2], framed[2:10], framed[10:]
	got := Unframe([][]byte{c1, c2, c3})
	assert.Equal(t, []byte("abcdefghij"), got)
}

func TestEncodeDecodeHeader(t *testing.T) {
	h := EncodeHeader(1000, 4*1024*1024)
	readLen, pieceSize := DecodeHeader(h)
	_ = readLen
	assert.Equal(t, uint32(4*1024*1024), pieceSize)
}
