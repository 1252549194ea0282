package calypso

import (
	"fmt"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// Revision identifies the Calypso product revision of a card. It fixes the
// class byte of every frame and the Open Secure Session variant.
type Revision int

const (
	RevUnknown Revision = iota
	Rev1_0
	Rev2_4
	Rev3_1
	Rev3_1_CLAP
	Rev3_2
)

var revisionNames = map[Revision]string{
	RevUnknown:  "Unknown",
	Rev1_0:      "Rev1.0",
	Rev2_4:      "Rev2.4",
	Rev3_1:      "Rev3.1",
	Rev3_1_CLAP: "Rev3.1-CLAP",
	Rev3_2:      "Rev3.2",
}

func (r Revision) String() string {
	if name, ok := revisionNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Revision(%d)", int(r))
}

// Valid reports whether r is one of the five known revisions.
func (r Revision) Valid() bool {
	return r >= Rev1_0 && r <= Rev3_2
}

// IsRev3 reports whether r belongs to the Rev3 family (ISO class byte).
func (r Revision) IsRev3() bool {
	return r == Rev3_1 || r == Rev3_1_CLAP || r == Rev3_2
}

// ClassByte returns the CLA used for every card frame: 0x94 for the legacy
// revisions, 0x00 for Rev3.
func (r Revision) ClassByte() byte {
	if r.IsRev3() {
		return 0x00
	}
	return 0x94
}

// Class returns the ClassByte as an ISO 7816 class.
func (r Revision) Class() iso7816.Class {
	return iso7816.MustClass(r.ClassByte())
}

// SignatureLen is the length of the session signatures exchanged at Close.
func (r Revision) SignatureLen() int {
	if r == Rev3_2 {
		return 8
	}
	return 4
}

// SvComplementLen is the length of the SAM complement finalizing an SV command.
func (r Revision) SvComplementLen() int {
	if r == Rev3_2 {
		return 20
	}
	return 15
}

// ParseRevision accepts the String form of a revision ("Rev3.1", "3.1", ...).
func ParseRevision(s string) (Revision, error) {
	for rev, name := range revisionNames {
		if rev == RevUnknown {
			continue
		}
		if s == name || "Rev"+s == name {
			return rev, nil
		}
	}
	return RevUnknown, fmt.Errorf("unknown card revision %q", s)
}
