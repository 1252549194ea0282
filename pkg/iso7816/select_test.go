package iso7816

import (
	"bytes"
	"testing"

	"github.com/gregLibert/calypso/pkg/tlv"
)

func TestSelectCommands(t *testing.T) {
	iso := MustClass(0x00)
	aid := tlv.Hex("315449432E494341") // 1TIC.ICA

	tests := []struct {
		name string
		cmd  *CommandAPDU
		want []byte
	}{
		{
			name: "application, first occurrence",
			cmd:  SelectApplication(iso, aid, FirstOrOnlyOccurrence),
			want: tlv.Hex("00 A4 04 00 08", "315449432E494341", "00"),
		},
		{
			name: "application, next occurrence",
			cmd:  SelectApplication(iso, aid, NextOccurrence),
			want: tlv.Hex("00 A4 04 02 08", "315449432E494341", "00"),
		},
		{
			name: "by DF name without Le (T=0)",
			cmd:  NewSelectCommand(iso, SelectByDFName, FirstOrOnlyOccurrence, ReturnFCI, aid),
			want: tlv.Hex("00 A4 04 00 08", "315449432E494341"),
		},
		{
			name: "MF, case 2",
			cmd:  NewSelectCommand(iso, SelectByFileID, FirstOrOnlyOccurrence, ReturnFCI, nil),
			want: tlv.Hex("00 A4 00 00 00"),
		},
		{
			name: "path from MF, no answer",
			cmd:  NewSelectCommand(iso, SelectPathFromMF, FirstOrOnlyOccurrence, ReturnNoData, tlv.Hex("3F00 2010")),
			want: tlv.Hex("00 A4 08 0C 04 3F002010"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Bytes()
			if err != nil {
				t.Fatalf("Bytes: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got %X, want %X", got, tt.want)
			}
		})
	}
}

func TestSelectionMethod_String(t *testing.T) {
	if got := SelectPathFromCurrentDF.String(); got != "Path from current DF" {
		t.Errorf("got %q", got)
	}
	if got := SelectionMethod(0x02).String(); got != "Method 02" {
		t.Errorf("got %q", got)
	}
}
