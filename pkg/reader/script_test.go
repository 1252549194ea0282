package reader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/calypso/pkg/tlv"
)

func TestScript_Replay(t *testing.T) {
	t.Parallel()

	s := NewScript("test",
		Exchange{Command: tlv.Hex("00 84 00 00 08"), Response: tlv.Hex("0102030405060708 9000")},
		Exchange{Response: tlv.Hex("6A82")},
	)
	ctx := context.Background()

	resp, err := s.Transceive(ctx, tlv.Hex("00 84 00 00 08"))
	require.NoError(t, err)
	assert.Equal(t, tlv.Hex("0102030405060708 9000"), resp)

	// nil Command matches anything
	resp, err = s.Transceive(ctx, tlv.Hex("00 B2 01 3C 00"))
	require.NoError(t, err)
	assert.Equal(t, tlv.Hex("6A82"), resp)

	assert.Equal(t, 0, s.Remaining())
	assert.Len(t, s.Sent(), 2)

	_, err = s.Transceive(ctx, tlv.Hex("00 B2 01 3C 00"))
	assert.ErrorIs(t, err, ErrScriptMismatch)
}

func TestScript_Mismatch(t *testing.T) {
	t.Parallel()

	s := NewScript("test", Exchange{Command: tlv.Hex("00 84 00 00 08"), Response: tlv.Hex("9000")})
	_, err := s.Transceive(context.Background(), tlv.Hex("00 84 00 00 04"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScriptMismatch)
}

func TestScript_InjectedError(t *testing.T) {
	t.Parallel()

	boom := errors.New("rf field lost")
	s := NewScript("test", Exchange{Err: boom})
	_, err := s.Transceive(context.Background(), tlv.Hex("00 84 00 00 08"))
	assert.ErrorIs(t, err, boom)
}

func TestScript_CardRemoval(t *testing.T) {
	t.Parallel()

	s := NewScript("test", Exchange{Response: tlv.Hex("9000")})
	ctx := context.Background()
	assert.True(t, s.IsCardPresent(ctx))

	s.RemoveCard()
	assert.False(t, s.IsCardPresent(ctx))

	_, err := s.Transceive(ctx, tlv.Hex("00 84 00 00 08"))
	assert.ErrorIs(t, err, ErrNoCard)
	assert.Equal(t, 1, s.Remaining())
}

func TestScript_CancelledContext(t *testing.T) {
	t.Parallel()

	s := NewScript("test", Exchange{Response: tlv.Hex("9000")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Transceive(ctx, tlv.Hex("00 84 00 00 08"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveReader(t *testing.T) {
	t.Parallel()

	readers := []string{"ACS ACR122U PICC Interface 00", "Identiv uTrust 4701 F Dual Interface Reader(2) 01"}

	tests := []struct {
		name     string
		selector string
		want     string
		wantErr  bool
	}{
		{"Default", "", readers[0], false},
		{"Index", "1", readers[1], false},
		{"Substring", "uTrust", readers[1], false},
		{"Index Out Of Range", "2", "", true},
		{"Unknown Name", "Gemalto", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveReader(readers, tt.selector)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoReader)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ResolveReader(nil, "")
	assert.ErrorIs(t, err, ErrNoReader)
}

func TestScript_Close(t *testing.T) {
	t.Parallel()

	s := NewScript("test")
	assert.False(t, s.Closed())
	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
}
