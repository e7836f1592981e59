// Package stroffsets implements the str-offsets rewriter: it walks each
// 8-byte-aligned sub-unit of .debug_str_offsets and rewrites every 32-bit
// entry to the string pool's new offset, falling back to the pool's
// "<debugedit>" sentinel for indices no info-walk attribute ever reached.
//
// The sub-unit header shape (unit_length, version, padding, flat entry
// array) is simple enough that it shares no code with dwinfo or macro
// beyond the reloc.Index word protocol both already use.
package stroffsets

import (
	"log/slog"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwerr"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/reloc"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/strpool"
)

// Unit is one 8-byte-aligned .debug_str_offsets sub-unit.
type Unit struct {
	OldOffset int
	Version   uint16

	// entryOffset[i] is the absolute byte offset of the i'th entry's
	// 32-bit value within the section.
	entryOffsets []int
}

// Walker rewrites every sub-unit in a .debug_str_offsets section's raw
// bytes in place via idx, consulting str for old->new offsets.
type Walker struct {
	rel *reloc.Index
	str *strpool.Pool
}

// NewWalker builds a walker over the relocation index covering a
// .debug_str_offsets section and the .debug_str pool it indexes into.
func NewWalker(rel *reloc.Index, str *strpool.Pool) *Walker {
	return &Walker{rel: rel, str: str}
}

// ParseUnits walks every sub-unit header in data and records each entry's
// location for later rewrite. It performs no interning itself: unresolved
// entries are remapped to the pool's sentinel rather than failing, which
// only makes sense once the pool has already been finalized (see
// ApplyRewrites).
func (w *Walker) ParseUnits(data []byte) ([]*Unit, error) {
	var units []*Unit
	pos := 0
	for pos < len(data) {
		u := &Unit{OldOffset: pos}

		if pos+8 > len(data) {
			return nil, dwerr.New(dwerr.KindMalformed, "truncated .debug_str_offsets sub-unit header at offset %d", pos)
		}
		unitLength := leU32(data[pos:])
		headerPos := pos
		pos += 4

		u.Version = leU16(data[pos:])
		if u.Version != 5 {
			return nil, dwerr.New(dwerr.KindMalformed, "unsupported .debug_str_offsets version %d at offset %d", u.Version, headerPos)
		}
		pos += 2

		padding := leU16(data[pos:])
		if padding != 0 {
			return nil, dwerr.New(dwerr.KindMalformed, "nonzero .debug_str_offsets padding at offset %d", pos)
		}
		pos += 2

		if unitLength < 4 {
			return nil, dwerr.New(dwerr.KindMalformed, "implausible .debug_str_offsets unit_length %d at offset %d", unitLength, headerPos)
		}
		payloadEnd := headerPos + 4 + int(unitLength)
		if payloadEnd > len(data) {
			return nil, dwerr.New(dwerr.KindMalformed, "truncated .debug_str_offsets sub-unit at offset %d", headerPos)
		}

		entryCount := (int(unitLength) - 4) / 4
		for i := 0; i < entryCount; i++ {
			if pos+4 > len(data) {
				return nil, dwerr.New(dwerr.KindMalformed, "truncated .debug_str_offsets entry at offset %d", pos)
			}
			u.entryOffsets = append(u.entryOffsets, pos)
			pos += 4
		}

		if pos != payloadEnd {
			return nil, dwerr.New(dwerr.KindMalformed, ".debug_str_offsets sub-unit at %d has %d trailing bytes", headerPos, payloadEnd-pos)
		}

		units = append(units, u)
	}
	return units, nil
}

// ApplyRewrites runs pass 1 over a previously parsed sub-unit, rewriting
// every entry through str; an entry whose old offset is unknown to the
// pool (never reached by any .debug_info attribute) is remapped to the
// pool's sentinel entry, with a warning; the sentinel must already have
// been installed via EnsureSentinel before the pool was finalized.
func ApplyRewrites(u *Unit, rel *reloc.Index, str *strpool.Pool) error {
	for _, off := range u.entryOffsets {
		oldOff, err := rel.ReadWordRel(off)
		if err != nil {
			return err
		}
		newOff, usedSentinel := str.LookupOrSentinel(oldOff)
		if usedSentinel {
			slog.Warn(".debug_str_offsets entry names a string no attribute reached; redirected to the sentinel", "entry_offset", off, "str_offset", oldOff)
		}
		if err := rel.WriteWordRel(off, newOff); err != nil {
			return err
		}
	}
	return nil
}

func leU16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
