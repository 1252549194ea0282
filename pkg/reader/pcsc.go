package reader

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ansel1/merry/v2"
	"github.com/ebfe/scard"
)

// PCSC is a card connected through the PC/SC daemon.
type PCSC struct {
	ctx  *scard.Context
	card *scard.Card
	name string
	log  *slog.Logger
}

// ListPCSC returns the names of the PC/SC readers.
func ListPCSC() (_ []string, err error) {
	defer deferWrap(&err)

	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, merry.Prepend(err, "establish pc/sc context")
	}
	defer ctx.Release()

	return ctx.ListReaders()
}

// ResolveReader picks a reader from readers. selector is an index, a
// substring of the reader name, or empty for the first reader.
func ResolveReader(readers []string, selector string) (string, error) {
	if len(readers) == 0 {
		return "", merry.Wrap(ErrNoReader)
	}
	if selector == "" {
		return readers[0], nil
	}
	if idx, err := strconv.Atoi(selector); err == nil {
		if idx < 0 || idx >= len(readers) {
			return "", merry.Errorf("reader index %d out of range (readers=%d): %w", idx, len(readers), ErrNoReader)
		}
		return readers[idx], nil
	}
	for _, r := range readers {
		if strings.Contains(r, selector) {
			return r, nil
		}
	}
	return "", merry.Errorf("reader %q not found: %w", selector, ErrNoReader)
}

// OpenPCSC connects to the card in the reader chosen by selector
// (see ResolveReader).
func OpenPCSC(selector string, logger *slog.Logger) (_ *PCSC, err error) {
	defer deferWrap(&err)

	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, merry.Prepend(err, "establish pc/sc context")
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		ctx.Release()
		return nil, merry.Prepend(err, "list readers")
	}

	name, err := ResolveReader(readers, selector)
	if err != nil {
		ctx.Release()
		return nil, err
	}

	card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		ctx.Release()
		return nil, merry.Prependf(err, "connect reader %q", name)
	}

	p := &PCSC{ctx: ctx, card: card, name: name, log: loggerOrDefault(logger).With(slog.String("reader", name))}
	p.log.Info("pc/sc reader connected")
	return p, nil
}

func (p *PCSC) Name() string { return p.name }

// Transceive sends apdu. PC/SC calls cannot be interrupted; ctx is only
// checked before the exchange.
func (p *PCSC) Transceive(ctx context.Context, apdu []byte) (_ []byte, err error) {
	defer deferWrap(&err)

	if p.card == nil {
		return nil, merry.Wrap(ErrClosed)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	p.log.Debug("transmit", logHex("tx", apdu))
	resp, err := p.card.Transmit(apdu)
	if err != nil {
		return nil, merry.Prepend(err, "transmit")
	}
	p.log.Debug("transmit", logHex("rx", resp))
	return resp, nil
}

// IsCardPresent polls the reader state without waiting.
func (p *PCSC) IsCardPresent(_ context.Context) bool {
	if p.ctx == nil {
		return false
	}
	states := []scard.ReaderState{{
		Reader:       p.name,
		CurrentState: scard.StateUnaware,
	}}
	if err := p.ctx.GetStatusChange(states, 0); err != nil {
		return false
	}
	return states[0].EventState&scard.StatePresent != 0
}

// Close disconnects the card and releases the PC/SC context.
func (p *PCSC) Close() (err error) {
	defer deferWrap(&err)

	if p.card != nil {
		err = p.card.Disconnect(scard.LeaveCard)
		p.card = nil
	}
	if p.ctx != nil {
		if relErr := p.ctx.Release(); relErr != nil && err == nil {
			err = relErr
		}
		p.ctx = nil
	}
	return err
}
