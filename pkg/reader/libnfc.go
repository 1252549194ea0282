package reader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ansel1/merry/v2"
	"github.com/clausecker/nfc/v2"
)

// Calypso cards answer on ISO 14443 type B first; type A ISO-DEP cards are
// accepted as a fallback.
var pollModulations = []nfc.Modulation{
	{Type: nfc.ISO14443b, BaudRate: nfc.Nbr106},
	{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106},
}

// sakISO14443_4 flags an ISO-DEP capable type A target.
const sakISO14443_4 = 0x20

// LibNFC is a contactless card reached through libnfc.
type LibNFC struct {
	dev    nfc.Device
	target nfc.Target
	name   string
	log    *slog.Logger
}

// OpenLibNFC opens the libnfc device (empty connstring for the default one)
// and selects the first ISO-DEP card in the field.
func OpenLibNFC(connstring string, logger *slog.Logger) (_ *LibNFC, err error) {
	defer deferWrap(&err)

	dev, err := nfc.Open(connstring)
	if err != nil {
		return nil, merry.Prependf(err, "open libnfc device %q", connstring)
	}
	if err = dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, merry.Prepend(err, "initiator init")
	}

	l := &LibNFC{dev: dev, name: dev.String()}
	l.log = loggerOrDefault(logger).With(slog.String("reader", l.name))

	if err = l.poll(); err != nil {
		dev.Close()
		return nil, err
	}
	return l, nil
}

func (l *LibNFC) poll() error {
	for _, m := range pollModulations {
		targets, err := l.dev.InitiatorListPassiveTargets(m)
		if err != nil {
			l.log.Debug("passive target listing failed", slog.Any("error", err))
			continue
		}
		for _, t := range targets {
			if a, ok := t.(*nfc.ISO14443aTarget); ok && a.Sak&sakISO14443_4 == 0 {
				continue
			}
			l.target = t
			l.log.Info("card selected", slog.String("target", fmt.Sprint(t)))
			return nil
		}
	}
	return merry.Wrap(ErrNoCard)
}

func (l *LibNFC) Name() string { return l.name }

// Transceive sends apdu; the ctx deadline, if any, bounds the exchange.
func (l *LibNFC) Transceive(ctx context.Context, apdu []byte) (_ []byte, err error) {
	defer deferWrap(&err)

	if l.dev == nil {
		return nil, merry.Wrap(ErrClosed)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	timeout := 0
	if deadline, ok := ctx.Deadline(); ok {
		timeout = int(time.Until(deadline) / time.Millisecond)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	var rx [264]byte
	l.log.Debug("transceive", logHex("tx", apdu))
	n, err := l.dev.InitiatorTransceiveBytes(apdu, rx[:], timeout)
	if err != nil {
		return nil, merry.Prepend(err, "transceive")
	}
	l.log.Debug("transceive", logHex("rx", rx[:n]))
	return append([]byte(nil), rx[:n]...), nil
}

// IsCardPresent asks libnfc whether the selected target still answers.
func (l *LibNFC) IsCardPresent(_ context.Context) bool {
	if l.dev == nil || l.target == nil {
		return false
	}
	return l.dev.InitiatorTargetIsPresent(l.target) == nil
}

func (l *LibNFC) Close() (err error) {
	defer deferWrap(&err)

	if l.dev == nil {
		return nil
	}
	err = l.dev.Close()
	l.dev = nil
	return err
}
