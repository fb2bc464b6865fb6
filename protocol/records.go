package protocol

import "encoding/binary"

// Records is a batch of TLV records; the unit of storage writes here.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// ZipUint64 packs a uint64 into its little-endian bytes, dropping the
// trailing zero bytes.
func ZipUint64(v uint64) []byte {
	var ret [8]byte
	binary.LittleEndian.PutUint64(ret[:], v)
	l := 8
	for l > 0 && ret[l-1] == 0 {
		l--
	}
	return ret[:l]
}

// UnzipUint64 is the inverse of ZipUint64.
func UnzipUint64(zip []byte) (v uint64) {
	if len(zip) > 8 {
		return 0
	}
	var full [8]byte
	copy(full[:], zip)
	return binary.LittleEndian.Uint64(full[:])
}
