package calypso

import (
	"encoding/hex"
	"log/slog"
	"strings"
)

func logHex(key string, value []byte) slog.Attr {
	return slog.String(key, strings.ToUpper(hex.EncodeToString(value)))
}
