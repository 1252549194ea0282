package reader

import (
	"bytes"
	"context"
	"sync"

	"github.com/ansel1/merry/v2"
)

// ErrScriptMismatch is returned when a command differs from the recorded one.
var ErrScriptMismatch = merry.New("unexpected command")

// Exchange is one recorded command and its answer. A nil Command matches
// anything; a non nil Err is returned instead of Response.
type Exchange struct {
	Command  []byte
	Response []byte
	Err      error
}

// Script replays recorded exchanges in order. It backs tests and offline
// demonstrations.
type Script struct {
	mu     sync.Mutex
	name   string
	steps  []Exchange
	pos    int
	sent   [][]byte
	absent bool
	closed bool
}

// NewScript returns a scripted reader holding a card.
func NewScript(name string, steps ...Exchange) *Script {
	return &Script{name: name, steps: steps}
}

// Add appends exchanges to the script.
func (s *Script) Add(steps ...Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *Script) Name() string { return s.name }

func (s *Script) Transceive(ctx context.Context, apdu []byte) (_ []byte, err error) {
	defer deferWrap(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	if s.absent {
		return nil, merry.Wrap(ErrNoCard)
	}
	s.sent = append(s.sent, append([]byte(nil), apdu...))

	if s.pos >= len(s.steps) {
		return nil, merry.Errorf("script exhausted after %d exchanges, got %X: %w", len(s.steps), apdu, ErrScriptMismatch)
	}
	step := s.steps[s.pos]
	s.pos++

	if step.Command != nil && !bytes.Equal(step.Command, apdu) {
		return nil, merry.Errorf("exchange %d: want %X, got %X: %w", s.pos, step.Command, apdu, ErrScriptMismatch)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return append([]byte(nil), step.Response...), nil
}

// RemoveCard makes every following exchange fail with ErrNoCard.
func (s *Script) RemoveCard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absent = true
}

func (s *Script) IsCardPresent(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.absent
}

// Sent returns every command received so far.
func (s *Script) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Remaining is the number of exchanges not replayed yet.
func (s *Script) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps) - s.pos
}

func (s *Script) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Script) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
