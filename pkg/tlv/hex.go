package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Hex builds a byte slice from hex fragments such as Hex("94 B2 01 44", "00").
// Any white space is ignored. It panics on malformed input and is meant for
// test vectors and constant tables.
func Hex(parts ...string) []byte {
	clean := strings.Join(strings.Fields(strings.Join(parts, " ")), "")

	data, err := hex.DecodeString(clean)
	if err != nil {
		panic(fmt.Sprintf("invalid hex input '%s': %v", clean, err))
	}
	return data
}
