// Package reloc implements the relocation index: for a debug section whose
// bytes may carry REL or RELA relocations against it, it mediates every
// 32-bit word access through a paired read_word_rel/write_word_rel
// protocol, so the editor never has to special-case relocatable objects in
// the DWARF walkers themselves.
//
// debug/elf applies relocations for the caller on a handful of hardcoded
// section names when building a *dwarf.Data, but that path is unexported
// and, more importantly, discards exactly the addend/offset bookkeeping
// this package needs to write values back. There is no third-party
// relocation-table library in the retrieved pack, so the REL/RELA entry
// layouts are decoded directly against debug/elf's Rel32/Rela32/Rel64/
// Rela64 wire structs via encoding/binary: a small, explicit read/write
// view over a fixed-layout word.
package reloc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"sort"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwerr"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/objfile"
)

// entry is one decoded relocation, sorted by Offset for binary search.
type entry struct {
	Offset int    // byte offset into the target section's data
	Addend int64  // RELA: explicit addend. REL: unused (addend lives in the word itself).
	Sym    uint32
	Type   uint32
	Index  int // position within the relocation section, for write-back
}

// Index is the relocation index for a single debug section. Build one per
// section that has a companion .rel/.rela section before touching any of
// its bytes.
type Index struct {
	file    *objfile.File
	target  *objfile.Section
	relSec  *objfile.Section
	isRELA  bool
	entries []entry
	dirty   bool

	lastReadOffset int
	lastReadValid  bool
}

// absoluteType maps a machine to the relocation type this editor accepts
// for a 32-bit absolute reference into a debug section. Any other type
// found in a relocation covering a word this editor reads is fatal.
var absoluteType = map[elf.Machine]uint32{
	elf.EM_X86_64:  uint32(elf.R_X86_64_32),
	elf.EM_386:     uint32(elf.R_386_32),
	elf.EM_AARCH64: uint32(elf.R_AARCH64_ABS32),
	elf.EM_ARM:     uint32(elf.R_ARM_ABS32),
	elf.EM_PPC:     uint32(elf.R_PPC_ADDR32),
	elf.EM_PPC64:   uint32(elf.R_PPC64_ADDR32),
	elf.EM_MIPS:    uint32(elf.R_MIPS_32),
	elf.EM_RISCV:   uint32(elf.R_RISCV_32),
	elf.EM_S390:    uint32(elf.R_390_32),
	elf.EM_SPARCV9: uint32(elf.R_SPARC_32),
}

// Build locates sec's relocation section (if any) and decodes every entry
// into a sorted index. A section with no relocation section is a valid,
// empty index: read_word_rel then behaves as a plain little/big-endian word
// read.
func Build(f *objfile.File, sec *objfile.Section) (*Index, error) {
	idx := &Index{file: f, target: sec}

	relSec := f.RelocationSectionFor(sec.Index)
	if relSec == nil {
		return idx, nil
	}
	idx.relSec = relSec
	idx.isRELA = relSec.Type == elf.SHT_RELA

	want, ok := absoluteType[f.Machine()]
	if !ok {
		return nil, dwerr.New(dwerr.KindMalformed, "no known 32-bit absolute relocation type for machine %v", f.Machine())
	}

	order := f.ByteOrder()
	r := bytes.NewReader(relSec.Data)

	i := 0
	for r.Len() > 0 {
		var off uint64
		var info uint64
		var addend int64

		if f.Is64() {
			if idx.isRELA {
				var raw elf.Rela64
				if err := binary.Read(r, order, &raw); err != nil {
					return nil, dwerr.Wrap(dwerr.KindMalformed, err, "reading RELA entry in %s", relSec.Name)
				}
				off, info, addend = raw.Off, raw.Info, raw.Addend
			} else {
				var raw elf.Rel64
				if err := binary.Read(r, order, &raw); err != nil {
					return nil, dwerr.Wrap(dwerr.KindMalformed, err, "reading REL entry in %s", relSec.Name)
				}
				off, info = raw.Off, raw.Info
			}
		} else {
			if idx.isRELA {
				var raw elf.Rela32
				if err := binary.Read(r, order, &raw); err != nil {
					return nil, dwerr.Wrap(dwerr.KindMalformed, err, "reading RELA entry in %s", relSec.Name)
				}
				off, info, addend = uint64(raw.Off), uint64(raw.Info), int64(raw.Addend)
			} else {
				var raw elf.Rel32
				if err := binary.Read(r, order, &raw); err != nil {
					return nil, dwerr.Wrap(dwerr.KindMalformed, err, "reading REL entry in %s", relSec.Name)
				}
				off, info = uint64(raw.Off), uint64(raw.Info)
			}
		}

		typ, sym := relType(info, f.Is64())
		if typ != want {
			return nil, dwerr.New(dwerr.KindMalformed, "unrecognized relocation type %d against %s (want %d for %v)", typ, sec.Name, want, f.Machine())
		}

		idx.entries = append(idx.entries, entry{
			Offset: int(off),
			Addend: addend,
			Sym:    sym,
			Type:   typ,
			Index:  i,
		})
		i++
	}

	sort.Slice(idx.entries, func(a, b int) bool { return idx.entries[a].Offset < idx.entries[b].Offset })

	return idx, nil
}

func relType(info uint64, is64 bool) (typ uint32, sym uint32) {
	if is64 {
		return elf.R_TYPE64(info), elf.R_SYM64(info)
	}
	info32 := uint32(info)
	return elf.R_TYPE32(info32), elf.R_SYM32(info32)
}

// find returns the relocation covering offset p, if any.
func (idx *Index) find(p int) (entry, bool) {
	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].Offset >= p })
	if i < len(idx.entries) && idx.entries[i].Offset == p {
		return idx.entries[i], true
	}
	return entry{}, false
}

// ReadWordRel reads the 32-bit word at byte offset p in the target
// section, substituting the relocated value if a relocation covers p
// exactly: literal+addend for REL, addend alone for RELA. Records (sec, p)
// as the pending "last read" that the next WriteWordRel must match.
func (idx *Index) ReadWordRel(p int) (uint32, error) {
	if p < 0 || p+4 > len(idx.target.Data) {
		return 0, dwerr.New(dwerr.KindMalformed, "word read out of bounds in %s at %d", idx.target.Name, p)
	}

	literal := idx.file.ByteOrder().Uint32(idx.target.Data[p : p+4])

	idx.lastReadOffset = p
	idx.lastReadValid = true

	rel, ok := idx.find(p)
	if !ok {
		return literal, nil
	}

	if idx.isRELA {
		return uint32(rel.Addend), nil
	}
	return literal + uint32(rel.Addend), nil
}

// WriteWordRel stores v at the word most recently read by ReadWordRel,
// which must have targeted the same offset p. If a RELA relocation covers
// p, its addend is set to v and the literal bytes are left alone; if a REL
// relocation covers p, the literal word (which carries the REL addend) is
// rewritten to v minus the entry's synthesized addend. Either way the
// relocation section is marked dirty for Commit.
func (idx *Index) WriteWordRel(p int, v uint32) error {
	if !idx.lastReadValid || idx.lastReadOffset != p {
		return dwerr.New(dwerr.KindMalformed, "write_word_rel at %d not paired with a prior read_word_rel at the same offset", p)
	}
	idx.lastReadValid = false

	rel, ok := idx.find(p)
	if !ok {
		idx.file.ByteOrder().PutUint32(idx.target.Data[p:p+4], v)
		idx.target.Dirty = true
		return nil
	}

	if idx.isRELA {
		idx.entries[idx.indexOf(rel)].Addend = int64(v)
	} else {
		idx.file.ByteOrder().PutUint32(idx.target.Data[p:p+4], v-uint32(rel.Addend))
	}
	idx.dirty = true
	idx.target.Dirty = true

	return nil
}

// ShiftOffsets rewrites every relocation entry's target offset through
// remap, for use after the section's contents were reassembled at new byte
// positions (e.g. a .debug_line table that grew or shrank). remap reports
// whether oldOffset still falls inside a reassembled region; entries for
// which it returns false are left untouched. A no-op if the section has no
// relocations.
func (idx *Index) ShiftOffsets(remap func(oldOffset int) (int, bool)) {
	if idx.relSec == nil {
		return
	}
	changed := false
	for i := range idx.entries {
		newOffset, ok := remap(idx.entries[i].Offset)
		if !ok || newOffset == idx.entries[i].Offset {
			continue
		}
		idx.entries[i].Offset = newOffset
		changed = true
	}
	if !changed {
		return
	}
	sort.Slice(idx.entries, func(a, b int) bool { return idx.entries[a].Offset < idx.entries[b].Offset })
	idx.dirty = true
}

func (idx *Index) indexOf(e entry) int {
	for i, candidate := range idx.entries {
		if candidate.Offset == e.Offset {
			return i
		}
	}
	return -1
}

// Commit rewrites the relocation section's bytes from the (possibly
// mutated) entry table, if anything changed. It is a no-op for indexes
// built over a section with no relocations, or with no writes performed.
func (idx *Index) Commit() error {
	if !idx.dirty || idx.relSec == nil {
		return nil
	}

	var buf bytes.Buffer
	order := idx.file.ByteOrder()

	byOriginal := make([]entry, len(idx.entries))
	copy(byOriginal, idx.entries)
	sort.Slice(byOriginal, func(a, b int) bool { return byOriginal[a].Index < byOriginal[b].Index })

	for _, e := range byOriginal {
		if idx.file.Is64() {
			info := elf.R_INFO(e.Sym, e.Type)
			if idx.isRELA {
				raw := elf.Rela64{Off: uint64(e.Offset), Info: info, Addend: e.Addend}
				if err := binary.Write(&buf, order, raw); err != nil {
					return err
				}
			} else {
				raw := elf.Rel64{Off: uint64(e.Offset), Info: info}
				if err := binary.Write(&buf, order, raw); err != nil {
					return err
				}
			}
		} else {
			info := elf.R_INFO32(e.Sym, e.Type)
			if idx.isRELA {
				raw := elf.Rela32{Off: uint32(e.Offset), Info: info, Addend: int32(e.Addend)}
				if err := binary.Write(&buf, order, raw); err != nil {
					return err
				}
			} else {
				raw := elf.Rel32{Off: uint32(e.Offset), Info: info}
				if err := binary.Write(&buf, order, raw); err != nil {
					return err
				}
			}
		}
	}

	idx.relSec.MarkDirty(buf.Bytes())
	return nil
}
