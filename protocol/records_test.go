package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZipUint64(t *testing.T) {
	cases := []uint64{0, 1, 0xff, 0x100, 0xdead, 0xdeadbeef, 1700000000000, ^uint64(0)}
	for _, v := range cases {
		assert.Equal(t, v, UnzipUint64(ZipUint64(v)), "value %x", v)
	}
	assert.Empty(t, ZipUint64(0))
	assert.Len(t, ZipUint64(0xff), 1)
	assert.Len(t, ZipUint64(0x100), 2)
}

func TestRecordsTotalLen(t *testing.T) {
	recs := Records{Record('A', []byte("aa")), Record('B', []byte("b"))}
	assert.Equal(t, int64(7), recs.TotalLen())
	assert.Equal(t, int64(0), Records{}.TotalLen())
}
