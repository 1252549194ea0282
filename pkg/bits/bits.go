// Package bits holds the bit and field helpers shared by the APDU layers.
//
// Bits are numbered the ISO 7816 way: bit 1 is the least significant bit
// and bit 8 the most significant one.
package bits

// Bit returns a byte with only the n-th bit set (1 to 8).
func Bit(n uint) byte {
	if n < 1 || n > 8 {
		return 0
	}
	return 1 << (n - 1)
}

// IsSet checks if the n-th bit is set (1 to 8).
func IsSet(b byte, n uint) bool {
	return b&Bit(n) != 0
}

// GetRange extracts the value from a range of bits (e.g., bits 4 to 3).
// Example: GetRange(0b00001100, 4, 3) returns 3 (0b11)
func GetRange(b byte, high, low uint) byte {
	if high < low || high > 8 || low < 1 {
		return 0
	}

	width := high - low + 1
	mask := byte((1 << width) - 1)

	return (b >> (low - 1)) & mask
}

// Set returns b with bit n raised.
func Set(b byte, n uint) byte {
	return b | Bit(n)
}

// Clear returns b with bit n lowered.
func Clear(b byte, n uint) byte {
	return b &^ Bit(n)
}

// SetIf raises bit n when cond holds, and lowers it otherwise.
func SetIf(b byte, n uint, cond bool) byte {
	if cond {
		return Set(b, n)
	}
	return Clear(b, n)
}

// PutInt16 writes v as a two's complement big-endian 16-bit field.
func PutInt16(dst []byte, v int) {
	dst[0] = byte(v >> 8)
	dst[1] = byte(v)
}

// Int16 reads a two's complement big-endian 16-bit field.
func Int16(src []byte) int {
	return int(int16(uint16(src[0])<<8 | uint16(src[1])))
}

// PutInt24 writes v as a two's complement big-endian 24-bit field.
func PutInt24(dst []byte, v int) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

// Int24 reads a two's complement big-endian 24-bit field.
func Int24(src []byte) int {
	u := int(src[0])<<16 | int(src[1])<<8 | int(src[2])
	if u&0x800000 != 0 {
		u -= 0x1000000
	}
	return u
}

// Uint24 reads an unsigned big-endian 24-bit field.
func Uint24(src []byte) int {
	return int(src[0])<<16 | int(src[1])<<8 | int(src[2])
}
