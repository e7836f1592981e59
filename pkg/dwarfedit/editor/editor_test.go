package editor

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwconst"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/leb128"
)

// buildCU assembles a minimal DWARF4 compile unit with comp_dir and name as
// DW_FORM_strp and a DW_FORM_sec_offset stmt_list pointing at lineOff.
func buildCU(compDirOff, nameOff, lineOff uint32) []byte {
	var body bytes.Buffer
	body.Write(leb128.AppendUvarint(nil, 1))
	binary.Write(&body, binary.LittleEndian, compDirOff)
	binary.Write(&body, binary.LittleEndian, nameOff)
	binary.Write(&body, binary.LittleEndian, lineOff)

	var unit bytes.Buffer
	binary.Write(&unit, binary.LittleEndian, uint16(4)) // version
	binary.Write(&unit, binary.LittleEndian, uint32(0)) // abbrev_offset
	unit.WriteByte(8)                                   // address_size
	unit.Write(body.Bytes())

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(unit.Len()))
	out.Write(unit.Bytes())
	return out.Bytes()
}

func strSection(strs ...string) ([]byte, []uint32) {
	var buf []byte
	offs := make([]uint32, len(strs))
	for i, s := range strs {
		offs[i] = uint32(len(buf))
		buf = append(buf, []byte(s)...)
		buf = append(buf, 0)
	}
	return buf, offs
}

// buildLineTable assembles one DWARF4 .debug_line unit with no directories
// and a single file "foo.c" resolved against the CU's comp_dir.
func buildLineTable() []byte {
	var tables bytes.Buffer
	tables.WriteByte(0) // directory list terminator (no explicit directories)
	tables.WriteString("foo.c")
	tables.WriteByte(0)
	tables.Write(leb128.AppendUvarint(nil, 0)) // dir_index 0 == comp_dir
	tables.Write(leb128.AppendUvarint(nil, 0)) // mtime
	tables.Write(leb128.AppendUvarint(nil, 0)) // length
	tables.WriteByte(0)                        // file list terminator

	headerBytesBeforeTables := []byte{1, 1, 1, 0xfb, 14, 1} // min_instr, max_ops, default_is_stmt, line_base, line_range, opcode_base=1 (no std opcode lengths)
	headerLength := len(headerBytesBeforeTables) + tables.Len()

	var unit bytes.Buffer
	binary.Write(&unit, binary.LittleEndian, uint16(4))
	binary.Write(&unit, binary.LittleEndian, uint32(headerLength))
	unit.Write(headerBytesBeforeTables)
	unit.Write(tables.Bytes())

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(unit.Len()))
	out.Write(unit.Bytes())
	return out.Bytes()
}

// buildTestELF assembles a minimal ELF64 relocatable object with
// .debug_abbrev, .debug_str, .debug_info and .debug_line sections and no
// relocations, for exercising the full editor session end to end.
func buildTestELF(t *testing.T, compDir, name string) string {
	t.Helper()

	abbrev := []byte{
		1, // code 1
		byte(dwconst.TagCompileUnit), 1,
		byte(dwconst.AttrCompDir), byte(dwconst.FormStrp),
		byte(dwconst.AttrName), byte(dwconst.FormStrp),
		byte(dwconst.AttrStmtList), byte(dwconst.FormSecOffset),
		0, 0, // terminator
		0, // table terminator
	}

	str, offs := strSection(compDir, name)
	lineData := buildLineTable()
	info := buildCU(offs[0], offs[1], 0)

	type sectionSpec struct {
		name string
		typ  elf.SectionType
		data []byte
	}
	specs := []sectionSpec{
		{"", 0, nil},
		{".shstrtab", elf.SHT_STRTAB, nil},
		{".debug_abbrev", elf.SHT_PROGBITS, abbrev},
		{".debug_str", elf.SHT_PROGBITS, str},
		{".debug_line", elf.SHT_PROGBITS, lineData},
		{".debug_info", elf.SHT_PROGBITS, info},
	}

	shstrtab := []byte{0}
	names := make([]uint32, len(specs))
	for i, s := range specs {
		if s.name == "" {
			continue
		}
		names[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, append([]byte(s.name), 0)...)
	}
	specs[1].data = shstrtab

	var buf bytes.Buffer
	const ehdrSize = 64
	buf.Write(make([]byte, ehdrSize))

	offsets := make([]int, len(specs))
	for i, s := range specs {
		if i == 0 {
			continue
		}
		offsets[i] = buf.Len()
		buf.Write(s.data)
	}

	shoff := buf.Len()
	for i, s := range specs {
		hdr := struct {
			Name      uint32
			Type      uint32
			Flags     uint64
			Addr      uint64
			Off       uint64
			Size      uint64
			Link      uint32
			Info      uint32
			Addralign uint64
			Entsize   uint64
		}{Name: names[i], Type: uint32(s.typ), Off: uint64(offsets[i]), Size: uint64(len(s.data)), Addralign: 1}
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	}

	raw := buf.Bytes()
	ehdr := struct {
		Ident     [16]byte
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint64
		Phoff     uint64
		Shoff     uint64
		Flags     uint32
		Ehsize    uint16
		Phentsize uint16
		Phnum     uint16
		Shentsize uint16
		Shnum     uint16
		Shstrndx  uint16
	}{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Shoff:     uint64(shoff),
		Ehsize:    ehdrSize,
		Shentsize: 64,
		Shnum:     uint16(len(specs)),
		Shstrndx:  1,
	}
	ehdr.Ident[0], ehdr.Ident[1], ehdr.Ident[2], ehdr.Ident[3] = '\x7f', 'E', 'L', 'F'
	ehdr.Ident[4] = byte(elf.ELFCLASS64)
	ehdr.Ident[5] = byte(elf.ELFDATA2LSB)
	ehdr.Ident[6] = 1

	var hdrBuf bytes.Buffer
	require.NoError(t, binary.Write(&hdrBuf, binary.LittleEndian, ehdr))
	copy(raw[:ehdrSize], hdrBuf.Bytes())

	path := t.TempDir() + "/test.o"
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestRunRewritesCompDirAndEmitsSources(t *testing.T) {
	path := buildTestELF(t, "/tmp/build", "foo.c")
	listFile := path + ".sources"

	rpt, err := Run(Options{
		Path:     path,
		Base:     "/tmp/build",
		Dest:     "/usr/src/debug/pkg",
		ListFile: listFile,
	})
	require.NoError(t, err)
	require.Len(t, rpt.CompilationUnits, 1)
	assert.Equal(t, "/tmp/build", rpt.CompilationUnits[0].CompDir)
	require.Len(t, rpt.CompilationUnits[0].SourceFiles, 1)
	assert.Equal(t, "/tmp/build/foo.c", rpt.CompilationUnits[0].SourceFiles[0])

	raw, err := os.ReadFile(listFile)
	require.NoError(t, err)
	entries := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
	assert.Contains(t, entries, "/tmp/build/")
	assert.Contains(t, entries, "/tmp/build/foo.c")
}

func TestRunIdentityShortCircuit(t *testing.T) {
	path := buildTestELF(t, "/tmp/build", "foo.c")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	rpt, err := Run(Options{Path: path, Base: "/tmp/build", Dest: "/tmp/build"})
	require.NoError(t, err)
	assert.True(t, rpt.IdentityShortCircuit)
	assert.Empty(t, rpt.CompilationUnits)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunDestWithoutBaseIsPolicyViolation(t *testing.T) {
	path := buildTestELF(t, "/tmp/build", "foo.c")
	_, err := Run(Options{Path: path, Dest: "/usr/src/debug/pkg"})
	assert.Error(t, err)
}

func TestRunPreserveDatesRestoresDistinctAtimeAndMtime(t *testing.T) {
	path := buildTestELF(t, "/tmp/build", "foo.c")

	wantAtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	wantMtime := time.Date(2019, 6, 7, 8, 9, 10, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, wantAtime, wantMtime))

	_, err := Run(Options{
		Path:          path,
		Base:          "/tmp/build",
		Dest:          "/usr/src/debug/pkg",
		PreserveDates: true,
	})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, wantMtime.Equal(info.ModTime()), "mtime should be restored to %v, got %v", wantMtime, info.ModTime())

	gotAtime := statAtime(info)
	assert.True(t, wantAtime.Equal(gotAtime), "atime should be restored to %v, got %v", wantAtime, gotAtime)
	assert.False(t, gotAtime.Equal(wantMtime), "atime must not be clobbered by mtime")
}

func TestInspectDoesNotMutateFile(t *testing.T) {
	path := buildTestELF(t, "/tmp/build", "foo.c")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	rpt, err := Inspect(path, "/tmp/build", "/usr/src/debug/pkg")
	require.NoError(t, err)
	require.Len(t, rpt.CompilationUnits, 1)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
