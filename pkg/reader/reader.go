// Package reader provides the card reader backends used by the calypso
// session: PC/SC through ebfe/scard, libnfc through clausecker/nfc and a
// scripted reader replaying recorded exchanges.
package reader

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/ansel1/merry/v2"
)

// Reader is a connection to one card.
type Reader interface {
	// Transceive sends a raw command APDU and returns the raw response.
	Transceive(ctx context.Context, apdu []byte) ([]byte, error)

	// IsCardPresent reports whether a card is still in the field.
	IsCardPresent(ctx context.Context) bool

	// Name identifies the reader in logs.
	Name() string

	Close() error
}

var (
	// ErrNoReader is returned when no reader matches the selector.
	ErrNoReader = merry.New("no matching reader")

	// ErrNoCard is returned when the reader holds no card.
	ErrNoCard = merry.New("no card present")

	// ErrClosed is returned by a reader used after Close.
	ErrClosed = merry.New("reader closed")
)

func deferWrap(err *error) {
	if err != nil {
		*err = merry.WrapSkipping(*err, 1)
	}
}

func logHex(key string, value []byte) slog.Attr {
	return slog.String(key, strings.ToUpper(hex.EncodeToString(value)))
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
