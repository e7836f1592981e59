// Package leb128 decodes and encodes the LEB128 variable-length integers
// DWARF uses throughout .debug_info, .debug_line and .debug_macro.
//
// Decoders read from an offset into an arbitrary byte slice and report how
// many bytes they consumed, so a walker can advance its own cursor by the
// return value without re-slicing on every call.
package leb128

// Uvarint decodes an unsigned LEB128 value starting at buf[off] and returns
// the value and the number of bytes consumed.
func Uvarint(buf []byte, off int) (uint64, int) {
	var result uint64
	var shift uint
	n := 0

	for off+n < len(buf) {
		b := buf[off+n]
		n++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, n
		}
		shift += 7
	}

	return result, n
}

// Varint decodes a signed LEB128 value starting at buf[off] and returns the
// value and the number of bytes consumed.
func Varint(buf []byte, off int) (int64, int) {
	var result int64
	var shift uint
	n := 0

	for off+n < len(buf) {
		b := buf[off+n]
		n++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, n
		}
	}

	return result, n
}

// AppendUvarint appends the ULEB128 encoding of v to buf and returns the
// extended slice.
func AppendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// AppendVarint appends the SLEB128 encoding of v to buf and returns the
// extended slice.
func AppendVarint(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// SizeUvarint returns the number of bytes Uvarint would consume for v
// without decoding it, used by the line-program size planner.
func SizeUvarint(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
