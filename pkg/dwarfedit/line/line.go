// Package line implements the line-program rewriter: it parses
// .debug_line unit headers (DWARF versions 2-5), rewrites the directory
// and file tables against a base/dest path pair, resynthesizes the
// section, and produces the old-offset -> new-offset map every
// DW_AT_stmt_list reference needs in pass 1.
package line

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwconst"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwerr"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/leb128"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/pathrewrite"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/reloc"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/strpool"
)

// SourceFile is one file table entry resolved to a usable path, emitted
// for the sources-list output.
type SourceFile struct {
	Path string
}

// formatEntry is one {content-type, form} pair from a v5 directory or file
// entry format descriptor.
type formatEntry struct {
	ContentType uint64
	Form        uint64
}

// fileEntry is one row of a v2-v4 file table, or the path half of a v5 row.
type fileEntry struct {
	Name     string
	DirIndex uint64
	MTime    uint64
	Length   uint64

	// For v5 tables, the byte offset (within the whole .debug_line section)
	// of the DW_LNCT_path value, needed so pass-1-style offset rewriting can patch
	// it in place without resizing the table.
	pathValueOffset int
	pathForm        uint64
}

// Table is one parsed .debug_line unit.
type Table struct {
	OldOffset int
	NewOffset int

	Version         uint16
	AddressSize     byte
	MinInstrLen     byte
	MaxOpsPerInstr  byte
	DefaultIsStmt   byte
	LineBase        int8
	LineRange       byte
	OpcodeBase      byte
	StdOpcodeLengths []byte

	DirFormats  []formatEntry
	FileFormats []formatEntry

	Directories []string
	Files       []fileEntry

	Program []byte // the line-number program bytes, unchanged by this rewriter

	headerBytesBeforeTables []byte // min_instr_len .. opcode-length table, verbatim
	oldUnitLength           uint32
	oldHeaderLength         uint32
	sizeDiff                int // v2-v4 only; v5 tables never change size

	newBytes []byte
}

// ParseHeader reads one .debug_line unit at off, consuming only the header
// and (for v2-v4) the zero-terminated directory/file lists, or (for v5) the
// format-described tables. The line-number program bytes are captured
// verbatim without interpretation, since this editor never needs to
// execute the state machine.
func ParseHeader(data []byte, off int) (*Table, int, error) {
	r := &cursor{data: data, pos: off}

	unitLength, err := r.u32()
	if err != nil {
		return nil, 0, err
	}
	if unitLength == 0xffffffff {
		return nil, 0, dwerr.New(dwerr.KindMalformed, "64-bit DWARF length format is not supported (.debug_line at %d)", off)
	}
	unitEnd := r.pos + int(unitLength)

	t := &Table{OldOffset: off, oldUnitLength: unitLength}

	version, err := r.u16()
	if err != nil {
		return nil, 0, err
	}
	t.Version = version
	if version < 2 || version > 5 {
		return nil, 0, dwerr.New(dwerr.KindMalformed, "unsupported .debug_line version %d at %d", version, off)
	}

	if version >= 5 {
		addrSize, err := r.u8()
		if err != nil {
			return nil, 0, err
		}
		t.AddressSize = addrSize
		if _, err := r.u8(); err != nil { // segment_selector_size, unused
			return nil, 0, err
		}
	}

	headerLength, err := r.u32()
	if err != nil {
		return nil, 0, err
	}
	t.oldHeaderLength = headerLength
	programStart := r.pos + int(headerLength)

	headerFieldsStart := r.pos

	t.MinInstrLen, err = r.u8()
	if err != nil {
		return nil, 0, err
	}
	if version >= 4 {
		t.MaxOpsPerInstr, err = r.u8()
		if err != nil {
			return nil, 0, err
		}
	} else {
		t.MaxOpsPerInstr = 1
	}
	t.DefaultIsStmt, err = r.u8()
	if err != nil {
		return nil, 0, err
	}
	lineBase, err := r.u8()
	if err != nil {
		return nil, 0, err
	}
	t.LineBase = int8(lineBase)
	t.LineRange, err = r.u8()
	if err != nil {
		return nil, 0, err
	}
	t.OpcodeBase, err = r.u8()
	if err != nil {
		return nil, 0, err
	}
	t.StdOpcodeLengths = make([]byte, t.OpcodeBase-1)
	for i := range t.StdOpcodeLengths {
		t.StdOpcodeLengths[i], err = r.u8()
		if err != nil {
			return nil, 0, err
		}
	}
	t.headerBytesBeforeTables = append([]byte{}, data[headerFieldsStart:r.pos]...)

	if version <= 4 {
		if err := parseDirsAndFilesV4(r, t); err != nil {
			return nil, 0, err
		}
	} else {
		if err := parseDirsAndFilesV5(r, t); err != nil {
			return nil, 0, err
		}
	}

	if r.pos != programStart {
		// Tolerate a header_length that over/under-shoots our own table
		// parse only by realigning; any larger mismatch indicates a form
		// we failed to consume correctly.
		r.pos = programStart
	}

	t.Program = append([]byte{}, data[programStart:unitEnd]...)

	return t, unitEnd, nil
}

func parseDirsAndFilesV4(r *cursor, t *Table) error {
	for {
		s, err := r.cString()
		if err != nil {
			return err
		}
		if s == "" {
			break
		}
		t.Directories = append(t.Directories, s)
	}

	for {
		name, err := r.cString()
		if err != nil {
			return err
		}
		if name == "" {
			break
		}
		dirIdx, err := r.uleb()
		if err != nil {
			return err
		}
		mtime, err := r.uleb()
		if err != nil {
			return err
		}
		length, err := r.uleb()
		if err != nil {
			return err
		}
		t.Files = append(t.Files, fileEntry{Name: name, DirIndex: dirIdx, MTime: mtime, Length: length})
	}
	return nil
}

func parseFormatDescriptor(r *cursor) ([]formatEntry, error) {
	count, err := r.u8()
	if err != nil {
		return nil, err
	}
	formats := make([]formatEntry, count)
	for i := range formats {
		ct, err := r.uleb()
		if err != nil {
			return nil, err
		}
		form, err := r.uleb()
		if err != nil {
			return nil, err
		}
		formats[i] = formatEntry{ContentType: ct, Form: form}
	}
	return formats, nil
}

func parseDirsAndFilesV5(r *cursor, t *Table) error {
	var err error
	t.DirFormats, err = parseFormatDescriptor(r)
	if err != nil {
		return err
	}
	dirCount, err := r.uleb()
	if err != nil {
		return err
	}
	for i := uint64(0); i < dirCount; i++ {
		name, err := readV5Entry(r, t.DirFormats)
		if err != nil {
			return err
		}
		t.Directories = append(t.Directories, name)
	}

	t.FileFormats, err = parseFormatDescriptor(r)
	if err != nil {
		return err
	}
	fileCount, err := r.uleb()
	if err != nil {
		return err
	}
	for i := uint64(0); i < fileCount; i++ {
		fe, err := readV5FileEntry(r, t.FileFormats)
		if err != nil {
			return err
		}
		t.Files = append(t.Files, fe)
	}
	return nil
}

// readV5Entry consumes one directory entry per the format descriptor and
// returns its DW_LNCT_path value; other content types are skipped.
func readV5Entry(r *cursor, formats []formatEntry) (string, error) {
	var name string
	for _, f := range formats {
		val, str, _, err := readFormValue(r, dwconst.Form(f.Form))
		if err != nil {
			return "", err
		}
		if f.ContentType == dwconst.LNCTPath {
			name = str
		}
		_ = val
	}
	return name, nil
}

func readV5FileEntry(r *cursor, formats []formatEntry) (fileEntry, error) {
	var fe fileEntry
	for _, f := range formats {
		valPos := r.pos
		val, str, isStrForm, err := readFormValue(r, dwconst.Form(f.Form))
		if err != nil {
			return fe, err
		}
		switch f.ContentType {
		case dwconst.LNCTPath:
			fe.Name = str
			if isStrForm {
				fe.pathValueOffset = valPos
				fe.pathForm = f.Form
			}
		case dwconst.LNCTDirectoryIndex:
			fe.DirIndex = val
		case dwconst.LNCTTimestamp:
			fe.MTime = val
		case dwconst.LNCTSize:
			fe.Length = val
		}
	}
	return fe, nil
}

// readFormValue consumes one v5 directory/file entry value. It returns the
// numeric value (for index/timestamp/size content types, and the raw
// 32-bit offset for DW_FORM_strp/DW_FORM_line_strp), the inline string for
// DW_FORM_string (empty for every other form; a string-offset form's
// string is not looked up here), and whether the form is such a
// string-offset form.
func readFormValue(r *cursor, form dwconst.Form) (numeric uint64, strOffsetPlaceholder string, isStrOffsetForm bool, err error) {
	switch form {
	case dwconst.FormString:
		s, e := r.cString()
		return 0, s, false, e
	case dwconst.FormStrp, dwconst.FormLineStrp:
		v, e := r.u32()
		return uint64(v), "", true, e
	case dwconst.FormUdata:
		v, e := r.uleb()
		return v, "", false, e
	case dwconst.FormData1:
		v, e := r.u8()
		return uint64(v), "", false, e
	case dwconst.FormData2:
		v, e := r.u16()
		return uint64(v), "", false, e
	case dwconst.FormData4:
		v, e := r.u32()
		return uint64(v), "", false, e
	case dwconst.FormData8:
		v, e := r.u64()
		return v, "", false, e
	case dwconst.FormData16:
		b, e := r.bytes(16)
		_ = b
		return 0, "", false, e
	case dwconst.FormBlock:
		n, e := r.uleb()
		if e != nil {
			return 0, "", false, e
		}
		_, e = r.bytes(int(n))
		return 0, "", false, e
	default:
		return 0, "", false, dwerr.New(dwerr.KindMalformed, "unsupported form %#x in v5 line-table entry", form)
	}
}

// cursor is a small forward-only byte reader shared by the line header
// parse.
type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) u8() (byte, error) {
	if c.pos >= len(c.data) {
		return 0, dwerr.New(dwerr.KindMalformed, "unexpected end of .debug_line data")
	}
	v := c.data[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if c.pos+2 > len(c.data) {
		return 0, dwerr.New(dwerr.KindMalformed, "unexpected end of .debug_line data")
	}
	v := binary.LittleEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if c.pos+4 > len(c.data) {
		return 0, dwerr.New(dwerr.KindMalformed, "unexpected end of .debug_line data")
	}
	v := binary.LittleEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if c.pos+8 > len(c.data) {
		return 0, dwerr.New(dwerr.KindMalformed, "unexpected end of .debug_line data")
	}
	v := binary.LittleEndian.Uint64(c.data[c.pos:])
	c.pos += 8
	return v, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if c.pos+n > len(c.data) {
		return nil, dwerr.New(dwerr.KindMalformed, "unexpected end of .debug_line data")
	}
	v := c.data[c.pos : c.pos+n]
	c.pos += n
	return v, nil
}

func (c *cursor) uleb() (uint64, error) {
	v, n := leb128.Uvarint(c.data, c.pos)
	if n == 0 {
		return 0, dwerr.New(dwerr.KindMalformed, "malformed ULEB128 in .debug_line")
	}
	c.pos += n
	return v, nil
}

func (c *cursor) cString() (string, error) {
	end := bytes.IndexByte(c.data[c.pos:], 0)
	if end < 0 {
		return "", dwerr.New(dwerr.KindMalformed, "unterminated string in .debug_line")
	}
	s := string(c.data[c.pos : c.pos+end])
	c.pos += end + 1
	return s, nil
}

// ResolvedFiles returns every file in the table joined against its owning
// directory (and compDir, if the directory is relative), for source-list
// emission.
func (t *Table) ResolvedFiles(compDir string) []SourceFile {
	var out []SourceFile
	for _, fe := range t.Files {
		dirIndex := int(fe.DirIndex)
		if t.Version < 5 {
			// v2-v4: directory index 0 means "compilation directory".
			if dirIndex == 0 {
				out = append(out, SourceFile{Path: pathrewrite.Join(compDir, "", fe.Name)})
				continue
			}
			dirIndex--
		}
		var dir string
		if dirIndex >= 0 && dirIndex < len(t.Directories) {
			dir = t.Directories[dirIndex]
		}
		out = append(out, SourceFile{Path: pathrewrite.Join(compDir, dir, fe.Name)})
	}
	return out
}

// InternStrings registers every v5 directory/file path that is encoded as
// DW_FORM_strp/DW_FORM_line_strp into the appropriate pool (str for
// DW_FORM_strp, lineStr for DW_FORM_line_strp), attempting a base/dest
// replacement. No-op for v2-v4 tables, whose paths live inline and are
// rewritten directly by Rebuild. rel mediates the section-word read so a
// relocatable object's true offset (carried in the relocation addend) is
// used instead of whatever literal bytes happen to sit in the section.
func (t *Table) InternStrings(rel *reloc.Index, str, lineStr *strpool.Pool) error {
	if t.Version < 5 {
		return nil
	}
	for i := range t.Files {
		fe := &t.Files[i]
		if fe.pathValueOffset == 0 {
			continue
		}
		oldOffset, err := rel.ReadWordRel(fe.pathValueOffset)
		if err != nil {
			return err
		}
		pool := poolFor(dwconst.Form(fe.pathForm), str, lineStr)
		if pool == nil {
			continue
		}
		if _, _, err := pool.InternReplaced(oldOffset); err != nil {
			return err
		}
	}
	return nil
}

func poolFor(form dwconst.Form, str, lineStr *strpool.Pool) *strpool.Pool {
	switch form {
	case dwconst.FormStrp:
		return str
	case dwconst.FormLineStrp:
		return lineStr
	default:
		return nil
	}
}

// Rebuild produces the table's new byte representation. v2-v4 tables with
// any base/dest match in their directory or file names grow/shrink and get
// a new unit_length/header_length; tables with no match, and all v5
// tables (whose only mutation is a same-size offset patch into an
// already-finalized string pool), are reproduced at identical size. rel is
// only consulted by the v5 path, whose offset patches must go through the
// section's relocation index rather than its literal bytes.
func (t *Table) Rebuild(raw []byte, rel *reloc.Index, base, dest string, str, lineStr *strpool.Pool) error {
	if t.Version < 5 {
		return t.rebuildV4(base, dest)
	}
	return t.rebuildV5(raw, rel, str, lineStr)
}

func (t *Table) rebuildV4(base, dest string) error {
	newDirs := make([]string, len(t.Directories))
	for i, d := range t.Directories {
		newDirs[i] = rewritePath(d, base, dest)
	}
	newFiles := make([]fileEntry, len(t.Files))
	for i, fe := range t.Files {
		newFiles[i] = fe
		newFiles[i].Name = rewritePath(fe.Name, base, dest)
	}

	var tables bytes.Buffer
	for _, d := range newDirs {
		tables.WriteString(d)
		tables.WriteByte(0)
	}
	tables.WriteByte(0)
	for _, fe := range newFiles {
		tables.WriteString(fe.Name)
		tables.WriteByte(0)
		tables.Write(leb128.AppendUvarint(nil, fe.DirIndex))
		tables.Write(leb128.AppendUvarint(nil, fe.MTime))
		tables.Write(leb128.AppendUvarint(nil, fe.Length))
	}
	tables.WriteByte(0)

	var oldTables bytes.Buffer
	for _, d := range t.Directories {
		oldTables.WriteString(d)
		oldTables.WriteByte(0)
	}
	oldTables.WriteByte(0)
	for _, fe := range t.Files {
		oldTables.WriteString(fe.Name)
		oldTables.WriteByte(0)
		oldTables.Write(leb128.AppendUvarint(nil, fe.DirIndex))
		oldTables.Write(leb128.AppendUvarint(nil, fe.MTime))
		oldTables.Write(leb128.AppendUvarint(nil, fe.Length))
	}
	oldTables.WriteByte(0)

	diff := tables.Len() - oldTables.Len()
	t.sizeDiff = diff

	var out bytes.Buffer

	newUnitLength := uint32(int(t.oldUnitLength) + diff)
	binary.Write(&out, binary.LittleEndian, newUnitLength)
	binary.Write(&out, binary.LittleEndian, t.Version)

	newHeaderLength := uint32(int(t.oldHeaderLength) + diff)
	binary.Write(&out, binary.LittleEndian, newHeaderLength)

	out.Write(t.headerBytesBeforeTables)
	out.Write(tables.Bytes())
	out.Write(t.Program)

	t.newBytes = out.Bytes()
	return nil
}

func (t *Table) rebuildV5(raw []byte, rel *reloc.Index, str, lineStr *strpool.Pool) error {
	// v5 tables never change size: only the string-offset values inside
	// already-emitted bytes are patched in place, through rel so a
	// relocatable object's addend is updated rather than its literal bytes.
	for _, fe := range t.Files {
		if fe.pathValueOffset == 0 {
			continue
		}
		oldOffset, err := rel.ReadWordRel(fe.pathValueOffset)
		if err != nil {
			return err
		}
		pool := poolFor(dwconst.Form(fe.pathForm), str, lineStr)
		if pool == nil {
			continue
		}
		newOffset, ok := pool.Lookup(oldOffset)
		if !ok {
			continue
		}
		if err := rel.WriteWordRel(fe.pathValueOffset, newOffset); err != nil {
			return err
		}
	}

	t.sizeDiff = 0
	t.newBytes = append([]byte{}, raw[t.OldOffset:t.OldOffset+4+int(t.oldUnitLength)]...)
	return nil
}

func rewritePath(s, base, dest string) string {
	if suffix, ok := pathrewrite.SkipPrefix(s, base); ok {
		if suffix == "" {
			return dest
		}
		return dest + "/" + suffix
	}
	return s
}

// Bytes returns the table's new byte representation. Requires Rebuild.
func (t *Table) Bytes() []byte { return t.newBytes }

// SizeDiff returns the byte delta this table's rewrite introduced (zero
// for v5 tables and v2-v4 tables with no rewritten path).
func (t *Table) SizeDiff() int { return t.sizeDiff }

// Section assembles the final .debug_line section from a set of parsed,
// rebuilt tables, in old-offset order, and returns the old->new offset
// lookup.
type Section struct {
	tables []*Table
}

// NewSection collects tables for final assembly. Tables must already have
// Rebuild called.
func NewSection(tables []*Table) *Section {
	sorted := append([]*Table{}, tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OldOffset < sorted[j].OldOffset })
	return &Section{tables: sorted}
}

// Assemble concatenates every table's new bytes in old-offset order and
// records each table's NewOffset.
func (s *Section) Assemble() []byte {
	var out bytes.Buffer
	for _, t := range s.tables {
		t.NewOffset = out.Len()
		out.Write(t.newBytes)
	}
	return out.Bytes()
}

// Lookup finds the new offset for a table that began at oldOffset, via
// binary search over the old-offset-sorted table list.
func (s *Section) Lookup(oldOffset uint32) (uint32, bool) {
	i := sort.Search(len(s.tables), func(i int) bool { return uint32(s.tables[i].OldOffset) >= oldOffset })
	if i < len(s.tables) && uint32(s.tables[i].OldOffset) == oldOffset {
		return uint32(s.tables[i].NewOffset), true
	}
	return 0, false
}

// Remap translates a byte offset that fell inside some table's old byte
// span into its new position after Assemble, for rebasing relocations
// whose target moved when a v2-v4 table grew or shrank. Offsets from the
// line-number program onward also move by the table's own size change;
// offsets inside the directory/file lists move with the table start only.
// Reports false for an offset outside every table (e.g. one covering a
// different section entirely).
func (s *Section) Remap(oldOffset int) (int, bool) {
	for _, t := range s.tables {
		oldLen := 4 + int(t.oldUnitLength)
		if oldOffset >= t.OldOffset && oldOffset < t.OldOffset+oldLen {
			rel := oldOffset - t.OldOffset
			// unit_length(4) + version(2) + header_length(4) precede the
			// header_length bytes that end where the program starts.
			if rel >= 4+2+4+int(t.oldHeaderLength) {
				rel += t.sizeDiff
			}
			return t.NewOffset + rel, true
		}
	}
	return 0, false
}
