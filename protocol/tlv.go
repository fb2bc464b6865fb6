// Format based on ToyTLV (MIT licence) written by Victor Grishchenko in 2024
// Original project: https://github.com/learn-decentralized-systems/toytlv

/*
Package protocol implements a compact TLV (Type-Length-Value) encoding used
as the on-disk record format for binders, cards and sync state.

Three encodings are selected automatically by record size:

 1. Tiny (1 byte header), bodies of 0-9 bytes: [('0' + body_length)].
    Type information is normalized to '0'; only produced for lowercase types.
 2. Short (2 byte header), bodies up to 255 bytes: [lowercase_type, body_length].
 3. Long (5 byte header), bodies up to 2GB:
    [uppercase_type, length_as_4byte_little_endian].

Record types are uppercase letters A-Z. Passing a lowercase type to the
encoding functions enables the tiny format for small bodies.

Take/TakeAny use nil returns for errors and suit trusted data; the Wary
variants return explicit errors and suit untrusted input. For records whose
size is not known up front, OpenHeader/CloseHeader stream a long-format
record around incrementally appended body bytes.
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("incomplete data")
	ErrBadRecord  = errors.New("bad TLV record format")
)

// ProbeHeader analyzes a TLV record header.
// lit is the record type: 'A'-'Z', '0' for tiny, '-' for a malformed
// header, 0 for an incomplete one.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	dlit := data[0]
	switch {
	case dlit >= '0' && dlit <= '9': // tiny
		lit = '0'
		bodylen = int(dlit - '0')
		hdrlen = 1
	case dlit >= 'a' && dlit <= 'z': // short
		if len(data) < 2 {
			return
		}
		lit = dlit - CaseBit
		hdrlen = 2
		bodylen = int(data[1])
	case dlit >= 'A' && dlit <= 'Z': // long
		if len(data) < 5 {
			return
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			lit = '-'
			return
		}
		lit = dlit
		bodylen = int(bl)
		hdrlen = 5
	default:
		lit = '-'
	}
	return
}

// Split parses a buffer containing a sequence of TLV records, consuming
// the records it managed to parse.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			if len(recs) == 0 {
				err = ErrBadRecord
			}
			return
		}
		if lit == 0 { // incomplete header
			return
		}
		if hlen+blen > data.Len() {
			err = errors.Join(ErrIncomplete, fmt.Errorf("record size %d, len %d", hlen+blen, data.Len()))
			return
		}
		record := make([]byte, hlen+blen)
		n, e := data.Read(record)
		if e != nil {
			return recs, e
		}
		if n != hlen+blen {
			panic("impossible buffer reading")
		}
		recs = append(recs, record)
	}
	return
}

// AppendHeader appends a TLV header, picking the format from the body
// length and the case of lit.
func AppendHeader(into []byte, lit byte, bodylen int) (ret []byte) {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("TLV record type is A..Z")
	}
	if bodylen < 10 && (lit&CaseBit) != 0 {
		ret = append(into, byte('0'+bodylen))
	} else if bodylen > 0xff {
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		ret = append(into, biglit)
		ret = binary.LittleEndian.AppendUint32(ret, uint32(bodylen))
	} else {
		ret = append(into, lit|CaseBit, byte(bodylen))
	}
	return ret
}

// Take extracts the body of a lit-typed record; nil body on a type
// mismatch, (nil, data) when the input is incomplete.
func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data
	}
	if flit != lit && flit != '0' {
		return nil, nil
	}
	body = data[hdrlen : hdrlen+bodylen]
	rest = data[hdrlen+bodylen:]
	return
}

// TakeAny extracts the next record of whatever type.
func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit = data[0] & ^CaseBit
	body, rest = Take(lit, data)
	return
}

// TakeWary is Take with explicit errors, for untrusted input.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	body = data[hdrlen : hdrlen+bodylen]
	rest = data[hdrlen+bodylen:]
	return
}

// TakeAnyWary is TakeAny with explicit errors.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	lit = data[0] & ^CaseBit
	body, rest = Take(lit, data)
	if body == nil {
		err = ErrBadRecord
	}
	return
}

func TotalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// Lit returns the canonical record type of a record's first byte.
func Lit(rec []byte) byte {
	b := rec[0]
	switch {
	case b >= 'a' && b <= 'z':
		return b - CaseBit
	case b >= 'A' && b <= 'Z':
		return b
	case b >= '0' && b <= '9':
		return '0'
	default:
		return '-'
	}
}

// Append appends a complete TLV record to the buffer.
func Append(into []byte, lit byte, body ...[]byte) (res []byte) {
	total := TotalLen(body)
	res = AppendHeader(into, lit, total)
	for _, b := range body {
		res = append(res, b...)
	}
	return res
}

// Record creates a complete TLV record.
func Record(lit byte, body ...[]byte) []byte {
	total := TotalLen(body)
	ret := make([]byte, 0, total+5)
	ret = AppendHeader(ret, lit, total)
	for _, b := range body {
		ret = append(ret, b...)
	}
	return ret
}

// TinyRecord creates a record with the tiny-format optimization enabled.
func TinyRecord(lit byte, body []byte) (tiny []byte) {
	return Record((lit&^CaseBit)|CaseBit, body)
}

// Join concatenates records into a single byte slice.
func Join(records ...[]byte) (ret []byte) {
	for _, rec := range records {
		ret = append(ret, rec...)
	}
	return
}

// Concat is Join with pre-allocation.
func Concat(msg ...[]byte) []byte {
	total := TotalLen(msg)
	ret := make([]byte, 0, total)
	for _, b := range msg {
		ret = append(ret, b...)
	}
	return ret
}

// OpenHeader starts a streamed long-format record; the returned bookmark
// must be passed to CloseHeader once the body has been appended.
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &= ^CaseBit
	if lit < 'A' || lit > 'Z' {
		panic("TLV liters are uppercase A-Z")
	}
	res = append(buf, lit)
	res = append(res, 0, 0, 0, 0)
	return len(res), res
}

// CloseHeader finalizes a streamed record started by OpenHeader.
func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("check the API docs")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}
