// Package tlv implements the BER-TLV subset used by CWA-14890 secure
// messaging data objects (ISO 7816-4 sect 5.2.2): single-byte tags and
// length fields of at most three length bytes.
//
// Multi-byte tags and lengths of 0x01000000 or more (0x84-prefixed length
// fields) are out of scope and rejected.
package tlv

import (
	"fmt"
)

// MaxValueLen is the longest value field encodable with a three-byte
// length (0x83 prefix). Anything larger is unsupported.
const MaxValueLen = 0x00FFFFFF

// TLV is one decoded data object. Value is owned by the TLV and does not
// alias the buffer it was parsed from.
type TLV struct {
	Tag   byte
	Value []byte
}

// Parse decodes one TLV object from the start of buf.
// It returns the object and the number of bytes consumed.
func Parse(buf []byte) (TLV, int, error) {
	if len(buf) < 2 {
		return TLV{}, 0, fmt.Errorf("tlv: buffer too short (%d bytes)", len(buf))
	}

	tag := buf[0]
	first := buf[1]

	var length, offset int
	switch {
	case first < 0x80:
		// Short form
		length = int(first)
		offset = 2
	case first == 0x81, first == 0x82, first == 0x83:
		// Long form: 1 to 3 subsequent length bytes
		n := int(first & 0x03)
		if len(buf) < 2+n {
			return TLV{}, 0, fmt.Errorf("tlv: truncated length field for tag 0x%02X", tag)
		}
		for _, b := range buf[2 : 2+n] {
			length = length<<8 | int(b)
		}
		offset = 2 + n
	default:
		// 0x80 (indefinite) and 0x84+ (lengths >= 0x01000000)
		return TLV{}, 0, fmt.Errorf("tlv: unsupported length encoding 0x%02X for tag 0x%02X", first, tag)
	}

	if length > len(buf)-offset {
		return TLV{}, 0, fmt.Errorf("tlv: tag 0x%02X declares %d bytes, only %d available", tag, length, len(buf)-offset)
	}

	value := make([]byte, length)
	copy(value, buf[offset:offset+length])

	return TLV{Tag: tag, Value: value}, offset + length, nil
}

// ParseAll decodes a sequence of TLV objects covering the whole buffer.
// Trailing garbage or an inconsistent length makes the entire parse fail.
func ParseAll(buf []byte) ([]TLV, error) {
	var objs []TLV
	for len(buf) > 0 {
		obj, n, err := Parse(buf)
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
		buf = buf[n:]
	}
	return objs, nil
}

// Build encodes a TLV object using the minimal length encoding.
// Round trip with Parse is exact for every supported length.
func Build(tag byte, value []byte) ([]byte, error) {
	n := len(value)
	if n > MaxValueLen {
		return nil, fmt.Errorf("tlv: value of %d bytes exceeds maximum supported length", n)
	}

	var header []byte
	switch {
	case n < 0x80:
		header = []byte{tag, byte(n)}
	case n <= 0xFF:
		header = []byte{tag, 0x81, byte(n)}
	case n <= 0xFFFF:
		header = []byte{tag, 0x82, byte(n >> 8), byte(n)}
	default:
		header = []byte{tag, 0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	}

	out := make([]byte, 0, len(header)+n)
	out = append(out, header...)
	out = append(out, value...)
	return out, nil
}
