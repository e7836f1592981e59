// Package dwinfo implements the .debug_info walker: a two-pass traversal
// of compilation and (DWARF 5) type units that collects strings,
// line-table references and str-offsets bases on pass 0, then rewrites
// every 32-bit string/offset reference on pass 1.
//
// debug/dwarf is deliberately not used here even though it already parses
// this exact data: its Reader resolves attribute values and discards the
// byte offset of each encoded value, which this package needs in order to
// patch that value in place during pass 1. Walking the abbreviation table
// and DIE tree by hand is therefore the only way to keep both the resolved
// value and its on-disk address.
package dwinfo

import (
	"encoding/binary"
	"log/slog"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwconst"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwerr"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/leb128"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/pathrewrite"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/reloc"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/strpool"
)

// AbbrevAttr is one {attribute, form} pair of an abbreviation declaration.
type AbbrevAttr struct {
	Attr           dwconst.Attr
	Form           dwconst.Form
	ImplicitConst  int64
}

// Abbrev is one parsed .debug_abbrev declaration.
type Abbrev struct {
	Tag         dwconst.Tag
	HasChildren bool
	Attrs       []AbbrevAttr
}

// AbbrevTable maps an abbreviation code to its declaration.
type AbbrevTable map[uint64]*Abbrev

// ParseAbbrevTable parses the abbreviation declarations starting at
// offset in a .debug_abbrev section, stopping at the terminating zero
// code.
func ParseAbbrevTable(data []byte, offset int) (AbbrevTable, error) {
	table := AbbrevTable{}
	pos := offset

	for {
		code, n := leb128.Uvarint(data, pos)
		if n == 0 {
			return nil, dwerr.New(dwerr.KindMalformed, "malformed abbreviation code at %d", pos)
		}
		pos += n
		if code == 0 {
			break
		}
		if _, exists := table[code]; exists {
			return nil, dwerr.New(dwerr.KindMalformed, "duplicate abbreviation code %d", code)
		}

		tag, n := leb128.Uvarint(data, pos)
		if n == 0 {
			return nil, dwerr.New(dwerr.KindMalformed, "malformed abbreviation tag at %d", pos)
		}
		pos += n

		if pos >= len(data) {
			return nil, dwerr.New(dwerr.KindMalformed, "truncated abbreviation table")
		}
		hasChildren := data[pos] != 0
		pos++

		ab := &Abbrev{Tag: dwconst.Tag(tag), HasChildren: hasChildren}

		for {
			attr, n := leb128.Uvarint(data, pos)
			if n == 0 {
				return nil, dwerr.New(dwerr.KindMalformed, "malformed attribute spec at %d", pos)
			}
			pos += n
			form, n := leb128.Uvarint(data, pos)
			if n == 0 {
				return nil, dwerr.New(dwerr.KindMalformed, "malformed form spec at %d", pos)
			}
			pos += n

			var implicitConst int64
			if dwconst.Form(form) == dwconst.FormImplicitConst {
				implicitConst, n = leb128.Varint(data, pos)
				if n == 0 {
					return nil, dwerr.New(dwerr.KindMalformed, "malformed implicit_const at %d", pos)
				}
				pos += n
			}

			if attr == 0 && form == 0 {
				break
			}
			ab.Attrs = append(ab.Attrs, AbbrevAttr{Attr: dwconst.Attr(attr), Form: dwconst.Form(form), ImplicitConst: implicitConst})
		}

		table[code] = ab
	}

	return table, nil
}

// patchKind identifies what a Patch rewrites in pass 1.
type patchKind int

const (
	patchStrp patchKind = iota
	patchLineStrp
	patchStmtList
	patchInlineCompDir
)

// Patch is one byte-level site pass 1 must revisit, produced by pass 0.
type Patch struct {
	kind        patchKind
	valueOffset int    // absolute byte offset in .debug_info of the value
	length      int    // FormString only: length of the original text, excluding the NUL
	oldValue    uint32 // resolved old offset (strp/line_strp/stmt_list)
}

// CU is one parsed compilation or type unit.
type CU struct {
	OldOffset     int
	UnitLength    uint32
	Version       uint16
	UnitType      dwconst.UnitType
	AbbrevOffset  uint32
	AddressSize   byte
	TypeSignature uint64
	TypeOffset    uint32

	StrOffsetsBase *uint32
	StmtList       *uint32
	MacrosOffset   *uint32
	CompDir        string
	Name           string

	base    string
	dest    string
	patches []Patch
}

// Patches exposes the pass-1 rewrite sites collected while walking this
// unit, for the orchestrator to apply once string pools and the line
// section are finalized.
func (cu *CU) Patches() []Patch { return cu.patches }

// ResolvedSourceFn is called once per file referenced transitively by a
// CU's line program, already joined against the CU's comp_dir and
// canonicalized, so PASS0 can filter and emit it to the sources-list file.
type ResolvedSourceFn func(path string)

// walker holds the shared, read-only inputs for a pass-0 traversal.
type Walker struct {
	info       []byte
	abbrev     []byte
	infoReloc  *reloc.Index
	strOffsets *reloc.Index
	str        *strpool.Pool
	lineStr    *strpool.Pool
	base       string
	dest       string

	abbrevCache map[uint32]AbbrevTable
}

// NewWalker builds a walker over one .debug_info section's bytes, sharing the .debug_abbrev bytes, the relocation index for the info
// section, the relocation index for .debug_str_offsets (nil if the object
// carries no such section), and the two string pools attribute values are
// interned into.
func NewWalker(info, abbrev []byte, infoReloc, strOffsets *reloc.Index, str, lineStr *strpool.Pool, base, dest string) *Walker {
	return &Walker{
		info:        info,
		abbrev:      abbrev,
		infoReloc:   infoReloc,
		strOffsets:  strOffsets,
		str:         str,
		lineStr:     lineStr,
		base:        base,
		dest:        dest,
		abbrevCache: map[uint32]AbbrevTable{},
	}
}

// ParseUnits walks every unit in the section and runs pass 0 over each.
// Unit headers are read in the .debug_info layout; the DWARF 4
// .debug_types header (type signature and type offset after
// address_size) is not recognized.
func (w *Walker) ParseUnits() ([]*CU, error) {
	var cus []*CU
	pos := 0
	for pos < len(w.info) {
		cu, next, err := w.parseUnitHeader(pos)
		if err != nil {
			return nil, err
		}
		cu.base = w.base
		cu.dest = w.dest
		if err := w.walkPass0(cu, next); err != nil {
			return nil, err
		}
		cus = append(cus, cu)
		pos = next
	}
	return cus, nil
}

func (w *Walker) parseUnitHeader(off int) (*CU, int, error) {
	r := &reader{data: w.info, pos: off}

	unitLength, err := r.u32()
	if err != nil {
		return nil, 0, err
	}
	if unitLength == 0xffffffff {
		return nil, 0, dwerr.New(dwerr.KindMalformed, "64-bit DWARF length format is not supported (.debug_info at %d)", off)
	}
	end := r.pos + int(unitLength)

	cu := &CU{OldOffset: off, UnitLength: unitLength}

	version, err := r.u16()
	if err != nil {
		return nil, 0, err
	}
	cu.Version = version
	if version < 2 || version > 5 {
		return nil, 0, dwerr.New(dwerr.KindMalformed, "unsupported .debug_info version %d at %d", version, off)
	}

	if version == 5 {
		unitType, err := r.u8()
		if err != nil {
			return nil, 0, err
		}
		cu.UnitType = dwconst.UnitType(unitType)

		cu.AddressSize, err = r.u8()
		if err != nil {
			return nil, 0, err
		}
		abbrevOff, err := r.u32()
		if err != nil {
			return nil, 0, err
		}
		cu.AbbrevOffset = abbrevOff

		if cu.UnitType == dwconst.UnitTypeType || cu.UnitType == dwconst.UnitTypeSplitType {
			cu.TypeSignature, err = r.u64()
			if err != nil {
				return nil, 0, err
			}
			cu.TypeOffset, err = r.u32()
			if err != nil {
				return nil, 0, err
			}
		}
	} else {
		abbrevOff, err := r.u32()
		if err != nil {
			return nil, 0, err
		}
		cu.AbbrevOffset = abbrevOff
		cu.AddressSize, err = r.u8()
		if err != nil {
			return nil, 0, err
		}
		cu.UnitType = dwconst.UnitTypeCompile
	}

	return cu, end, nil
}

// walkPass0 parses the abbreviation table for cu and walks every DIE from
// cu's first DIE up to end, collecting patch sites and interning strings.
func (w *Walker) walkPass0(cu *CU, end int) error {
	table, ok := w.abbrevCache[cu.AbbrevOffset]
	if !ok {
		var err error
		table, err = ParseAbbrevTable(w.abbrev, int(cu.AbbrevOffset))
		if err != nil {
			return err
		}
		w.abbrevCache[cu.AbbrevOffset] = table
	}

	r := &reader{data: w.info}

	// Position r right after the header: we re-derive it from cu's already
	// parsed fixed-size fields, cheaper than threading the header-end
	// offset through every parseUnitHeader call site.
	headerEnd, err := w.headerEnd(cu)
	if err != nil {
		return err
	}
	r.pos = headerEnd

	depth := 0
	first := true

	for r.pos < end {
		dieOffset := r.pos
		code, n := leb128.Uvarint(w.info, r.pos)
		if n == 0 {
			return dwerr.New(dwerr.KindMalformed, "malformed abbreviation code in DIE at %d", r.pos)
		}
		r.pos += n

		if code == 0 {
			depth--
			if depth < 0 {
				return nil // end of unit's DIE tree
			}
			continue
		}

		ab, ok := table[code]
		if !ok {
			return dwerr.New(dwerr.KindMalformed, "unknown abbreviation code %d at %d", code, dieOffset)
		}

		isRoot := first
		first = false

		for _, spec := range ab.Attrs {
			if err := w.handleAttr(cu, isRoot, spec, r); err != nil {
				return err
			}
		}

		if ab.HasChildren {
			depth++
		}
	}

	return nil
}

// headerEnd recomputes the byte offset right after a unit's fixed header,
// from the fields already parsed into cu.
func (w *Walker) headerEnd(cu *CU) (int, error) {
	pos := cu.OldOffset + 4 + 2 // unit_length + version
	if cu.Version == 5 {
		pos += 1 + 1 + 4 // unit_type, address_size, abbrev_offset
		if cu.UnitType == dwconst.UnitTypeType || cu.UnitType == dwconst.UnitTypeSplitType {
			pos += 8 + 4 // type_signature, type_offset
		}
	} else {
		pos += 4 + 1 // abbrev_offset, address_size
	}
	return pos, nil
}

func (w *Walker) handleAttr(cu *CU, isRoot bool, spec AbbrevAttr, r *reader) error {
	form := spec.Form

	for form == dwconst.FormIndirect {
		f, n := leb128.Uvarint(w.info, r.pos)
		if n == 0 {
			return dwerr.New(dwerr.KindMalformed, "malformed DW_FORM_indirect at %d", r.pos)
		}
		r.pos += n
		form = dwconst.Form(f)
	}

	switch form {
	case dwconst.FormStrp, dwconst.FormLineStrp:
		valueOffset := r.pos
		rawOld, err := w.infoReloc.ReadWordRel(valueOffset)
		if err != nil {
			return err
		}

		pool := w.str
		kind := patchStrp
		if form == dwconst.FormLineStrp {
			pool = w.lineStr
			kind = patchLineStrp
		}

		if err := w.internAttrValue(cu, isRoot, spec, pool, rawOld); err != nil {
			return err
		}

		cu.patches = append(cu.patches, Patch{kind: kind, valueOffset: valueOffset, oldValue: rawOld})
		r.pos += 4
		return nil

	case dwconst.FormStrx, dwconst.FormStrx1, dwconst.FormStrx2, dwconst.FormStrx3, dwconst.FormStrx4:
		index, n, err := readStrxIndex(w.info, r.pos, form)
		if err != nil {
			return err
		}
		rawOld, err := w.resolveStrx(cu, index)
		if err != nil {
			return err
		}
		// The index byte(s) in .debug_info never change: only the string
		// data they point at through .debug_str_offsets is rewritten, and
		// stroffsets.ApplyRewrites handles that once the string below is
		// interned. No pass-1 patch is needed here.
		if err := w.internAttrValue(cu, isRoot, spec, w.str, rawOld); err != nil {
			return err
		}
		r.pos += n
		return nil

	case dwconst.FormString:
		s, n, err := readCString(w.info, r.pos)
		if err != nil {
			return err
		}
		if spec.Attr == dwconst.AttrCompDir {
			cu.CompDir = s
			if suffix, ok := pathrewrite.SkipPrefix(s, w.base); ok {
				_ = suffix
				cu.patches = append(cu.patches, Patch{kind: patchInlineCompDir, valueOffset: r.pos, length: n})
			}
		}
		if isRoot && spec.Attr == dwconst.AttrName {
			cu.Name = s
		}
		r.pos += n + 1
		return nil

	case dwconst.FormSecOffset, dwconst.FormData4:
		valueOffset := r.pos
		rawOld, err := w.infoReloc.ReadWordRel(valueOffset)
		if err != nil {
			return err
		}
		switch spec.Attr {
		case dwconst.AttrStmtList:
			v := rawOld
			cu.StmtList = &v
			cu.patches = append(cu.patches, Patch{kind: patchStmtList, valueOffset: valueOffset, oldValue: rawOld})
		case dwconst.AttrMacros, dwconst.AttrGNUMacros:
			v := rawOld
			cu.MacrosOffset = &v
		case dwconst.AttrStrOffsetsBase:
			v := rawOld
			cu.StrOffsetsBase = &v
		}
		r.pos += 4
		return nil

	default:
		n, err := skipForm(w.info, r.pos, form, int(cu.AddressSize), cu.Version)
		if err != nil {
			return err
		}
		r.pos += n
		return nil
	}
}

// readStrxIndex decodes a DW_FORM_strx* attribute value at pos: the plain
// form is a ULEB128 index, while strx1-strx4 are fixed-width little-endian
// indices of 1-4 bytes. Returns the decoded index and the number of bytes
// consumed.
func readStrxIndex(data []byte, pos int, form dwconst.Form) (uint64, int, error) {
	switch form {
	case dwconst.FormStrx:
		v, n := leb128.Uvarint(data, pos)
		if n == 0 {
			return 0, 0, dwerr.New(dwerr.KindMalformed, "malformed DW_FORM_strx index at %d", pos)
		}
		return v, n, nil
	case dwconst.FormStrx1:
		if pos+1 > len(data) {
			return 0, 0, dwerr.New(dwerr.KindMalformed, "truncated DW_FORM_strx1 at %d", pos)
		}
		return uint64(data[pos]), 1, nil
	case dwconst.FormStrx2:
		if pos+2 > len(data) {
			return 0, 0, dwerr.New(dwerr.KindMalformed, "truncated DW_FORM_strx2 at %d", pos)
		}
		return uint64(binary.LittleEndian.Uint16(data[pos:])), 2, nil
	case dwconst.FormStrx3:
		if pos+3 > len(data) {
			return 0, 0, dwerr.New(dwerr.KindMalformed, "truncated DW_FORM_strx3 at %d", pos)
		}
		return uint64(data[pos]) | uint64(data[pos+1])<<8 | uint64(data[pos+2])<<16, 3, nil
	case dwconst.FormStrx4:
		if pos+4 > len(data) {
			return 0, 0, dwerr.New(dwerr.KindMalformed, "truncated DW_FORM_strx4 at %d", pos)
		}
		return uint64(binary.LittleEndian.Uint32(data[pos:])), 4, nil
	default:
		return 0, 0, dwerr.New(dwerr.KindMalformed, "not a DW_FORM_strx form: %#x", form)
	}
}

// resolveStrx turns a .debug_str_offsets index into the .debug_str offset
// it designates: slot := str_offsets_base + index*4, where str_offsets_base
// defaults to 8 (the sub-unit header's unit_length+version+padding) when
// the unit carries no explicit DW_AT_str_offsets_base.
func (w *Walker) resolveStrx(cu *CU, index uint64) (uint32, error) {
	if w.strOffsets == nil {
		return 0, dwerr.New(dwerr.KindMalformed, "DW_FORM_strx attribute with no .debug_str_offsets section present")
	}
	base := uint32(8)
	if cu.StrOffsetsBase != nil {
		base = *cu.StrOffsetsBase
	}
	slot := int(base) + int(index)*4
	return w.strOffsets.ReadWordRel(slot)
}

// internAttrValue interns the string found at rawOld in pool, replacing it
// if it carries the path being rewritten, and records the resolved
// (pre-replacement) text on cu when the attribute is one of the CU's
// identifying fields.
func (w *Walker) internAttrValue(cu *CU, isRoot bool, spec AbbrevAttr, pool *strpool.Pool, rawOld uint32) error {
	if spec.Attr == dwconst.AttrCompDir || (isRoot && spec.Attr == dwconst.AttrName) {
		original, _, err := pool.InternReplaced(rawOld)
		if err != nil {
			return err
		}
		if spec.Attr == dwconst.AttrCompDir {
			cu.CompDir = original
		} else {
			cu.Name = original
		}
		return nil
	}
	return pool.InternExisting(rawOld)
}

// ApplyPatches runs pass 1 for cu: rewriting every collected patch site in
// place against info, using the finalized string pools, the line section's
// old->new stmt-list map, and the relocation index for paired writes.
func ApplyPatches(cu *CU, info []byte, infoReloc *reloc.Index, str, lineStr *strpool.Pool, lookupStmtList func(old uint32) (uint32, bool)) error {
	for _, p := range cu.patches {
		switch p.kind {
		case patchStrp:
			newOff, ok := str.Lookup(p.oldValue)
			if !ok {
				continue
			}
			if err := rewriteWord(infoReloc, p.valueOffset, newOff); err != nil {
				return err
			}
		case patchLineStrp:
			newOff, ok := lineStr.Lookup(p.oldValue)
			if !ok {
				continue
			}
			if err := rewriteWord(infoReloc, p.valueOffset, newOff); err != nil {
				return err
			}
		case patchStmtList:
			newOff, ok := lookupStmtList(p.oldValue)
			if !ok {
				continue
			}
			if err := rewriteWord(infoReloc, p.valueOffset, newOff); err != nil {
				return err
			}
		case patchInlineCompDir:
			if err := rewriteInlineCompDir(info, p, cu.CompDir, cu); err != nil {
				return err
			}
		}
	}
	return nil
}

func rewriteWord(idx *reloc.Index, offset int, newValue uint32) error {
	if _, err := idx.ReadWordRel(offset); err != nil {
		return err
	}
	return idx.WriteWordRel(offset, newValue)
}

// rewriteInlineCompDir implements the in-place DW_FORM_string comp_dir
// rewrite: the new string must fit in the original byte span; shrinkage is
// padded with '/' between dest and the original suffix. A replacement that
// would not fit is skipped with a warning.
func rewriteInlineCompDir(info []byte, p Patch, oldText string, cu *CU) error {
	suffix, ok := pathrewrite.SkipPrefix(oldText, cuBaseOf(cu))
	if !ok {
		return nil
	}

	dest := cuDestOf(cu)
	newLen := len(dest)
	if suffix != "" {
		newLen += 1 + len(suffix)
	}

	if newLen > p.length {
		slog.Warn("DW_FORM_string comp_dir replacement is longer than the original; left unchanged", "comp_dir", oldText, "dest", dest)
		return nil
	}

	out := make([]byte, 0, p.length)
	out = append(out, dest...)
	for i := newLen; i < p.length; i++ {
		out = append(out, '/')
	}
	if suffix != "" {
		out = append(out, '/')
		out = append(out, suffix...)
	}
	copy(info[p.valueOffset:p.valueOffset+p.length], out)
	return nil
}

// cuBaseOf/cuDestOf retrieve the base/dest pair a CU's walker was built
// with. ParseUnits stashes them on the CU, since Patch itself stays
// string-free for memory economy.
func cuBaseOf(cu *CU) string { return cu.base }
func cuDestOf(cu *CU) string { return cu.dest }

// reader is a tiny absolute-position cursor over .debug_info bytes.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) u8() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, dwerr.New(dwerr.KindMalformed, "unexpected end of .debug_info data")
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, dwerr.New(dwerr.KindMalformed, "unexpected end of .debug_info data")
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, dwerr.New(dwerr.KindMalformed, "unexpected end of .debug_info data")
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, dwerr.New(dwerr.KindMalformed, "unexpected end of .debug_info data")
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func readCString(data []byte, off int) (string, int, error) {
	end := off
	for end < len(data) && data[end] != 0 {
		end++
	}
	if end >= len(data) {
		return "", 0, dwerr.New(dwerr.KindMalformed, "unterminated string at %d", off)
	}
	return string(data[off:end]), end - off, nil
}

// skipForm advances past a form's encoded value without interpreting it,
// for every form this editor does not need to patch. Unknown forms are
// fatal.
func skipForm(data []byte, pos int, form dwconst.Form, addressSize int, version uint16) (int, error) {
	switch form {
	case dwconst.FormAddr:
		return addressSize, nil
	case dwconst.FormBlock2:
		if pos+2 > len(data) {
			return 0, dwerr.New(dwerr.KindMalformed, "truncated DW_FORM_block2")
		}
		n := int(binary.LittleEndian.Uint16(data[pos:]))
		return 2 + n, nil
	case dwconst.FormBlock4:
		if pos+4 > len(data) {
			return 0, dwerr.New(dwerr.KindMalformed, "truncated DW_FORM_block4")
		}
		n := int(binary.LittleEndian.Uint32(data[pos:]))
		return 4 + n, nil
	case dwconst.FormData2, dwconst.FormRef2, dwconst.FormStrx2, dwconst.FormAddrx2:
		return 2, nil
	case dwconst.FormData4, dwconst.FormRef4, dwconst.FormRefSup4, dwconst.FormStrx4, dwconst.FormAddrx4:
		return 4, nil
	case dwconst.FormData8, dwconst.FormRef8, dwconst.FormRefSig8, dwconst.FormRefSup8:
		return 8, nil
	case dwconst.FormData16:
		return 16, nil
	case dwconst.FormBlock:
		v, n := leb128.Uvarint(data, pos)
		if n == 0 {
			return 0, dwerr.New(dwerr.KindMalformed, "malformed DW_FORM_block length")
		}
		return n + int(v), nil
	case dwconst.FormBlock1:
		if pos >= len(data) {
			return 0, dwerr.New(dwerr.KindMalformed, "truncated DW_FORM_block1")
		}
		return 1 + int(data[pos]), nil
	case dwconst.FormData1, dwconst.FormRef1, dwconst.FormFlag, dwconst.FormStrx1, dwconst.FormAddrx1:
		return 1, nil
	case dwconst.FormStrx3, dwconst.FormAddrx3:
		return 3, nil
	case dwconst.FormSdata:
		_, n := leb128.Varint(data, pos)
		if n == 0 {
			return 0, dwerr.New(dwerr.KindMalformed, "malformed SLEB128")
		}
		return n, nil
	case dwconst.FormUdata, dwconst.FormRefUdata, dwconst.FormStrx, dwconst.FormAddrx, dwconst.FormLoclistx, dwconst.FormRnglistx:
		_, n := leb128.Uvarint(data, pos)
		if n == 0 {
			return 0, dwerr.New(dwerr.KindMalformed, "malformed ULEB128")
		}
		return n, nil
	case dwconst.FormRefAddr:
		if version < 3 {
			return addressSize, nil
		}
		return 4, nil
	case dwconst.FormSecOffset, dwconst.FormStrp, dwconst.FormLineStrp, dwconst.FormStrpSup:
		return 4, nil
	case dwconst.FormExprloc:
		v, n := leb128.Uvarint(data, pos)
		if n == 0 {
			return 0, dwerr.New(dwerr.KindMalformed, "malformed DW_FORM_exprloc length")
		}
		return n + int(v), nil
	case dwconst.FormFlagPresent, dwconst.FormImplicitConst:
		return 0, nil
	default:
		return 0, dwerr.New(dwerr.KindMalformed, "unsupported form %#x", form)
	}
}
