package macro

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/leb128"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/objfile"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/reloc"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/strpool"
)

// noopIndex builds a relocation-free index over data: it opens a minimal
// ELF object with data as a lone .debug_macro section and no companion
// relocation section, so ReadWordRel/WriteWordRel operate directly on the
// backing bytes.
func noopIndex(t *testing.T, data []byte) (*reloc.Index, []byte) {
	t.Helper()

	shstrtab := []byte{0}
	name := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".debug_macro\x00")...)

	var buf bytes.Buffer
	const ehdrSize = 64
	buf.Write(make([]byte, ehdrSize))

	shstrtabOff := buf.Len()
	buf.Write(shstrtab)

	macroOff := buf.Len()
	buf.Write(data)

	shoff := buf.Len()
	writeShdr := func(nameOff, typ uint32, off, size uint64) {
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
		}{Name: nameOff, Type: typ, Off: off, Size: size, Addralign: 1}
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	}
	writeShdr(0, 0, 0, 0)
	writeShdr(0, uint32(elf.SHT_STRTAB), uint64(shstrtabOff), uint64(len(shstrtab)))
	writeShdr(name, uint32(elf.SHT_PROGBITS), uint64(macroOff), uint64(len(data)))

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
		Shnum:     3,
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

	f, err := objfile.OpenForEdit(path, objfile.ReadWrite)
	require.NoError(t, err)

	sec := f.SectionByName(".debug_macro")
	require.NotNil(t, sec)

	idx, err := reloc.Build(f, sec)
	require.NoError(t, err)
	return idx, sec.Data
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

// buildUnit assembles one v4 .debug_macro unit: a header with no
// debug_line_offset field, a DW_MACRO_GNU_define_indirect entry pointing
// at strOff, and a terminator.
func buildUnit(strOff uint32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(4)) // version
	buf.WriteByte(0)                                   // flags: no line offset, 32-bit

	buf.Write(leb128.AppendUvarint(nil, 5)) // opcode: define_indirect
	buf.Write(leb128.AppendUvarint(nil, 42)) // line
	binary.Write(&buf, binary.LittleEndian, strOff)

	buf.WriteByte(0) // DW_MACRO_end
	return buf.Bytes()
}

func TestParseUnitsInternsIndirectString(t *testing.T) {
	str, offs := strSection("FOO 1")
	rel, data := noopIndex(t, buildUnit(offs[0]))
	pool := strpool.New(str, "/nonexistent", "/nonexistent2")

	w := NewWalker(data, rel, pool)
	units, err := w.ParseUnits()
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Len(t, units[0].strRefs, 1)

	pool.Finalize()
	_, ok := pool.Lookup(offs[0])
	assert.True(t, ok, "define_indirect string must be interned during pass 0")
}

func TestApplyRewritesPatchesIndirectStringOffset(t *testing.T) {
	str, offs := strSection("FOO 1")
	rel, data := noopIndex(t, buildUnit(offs[0]))
	pool := strpool.New(str, "/nonexistent", "/nonexistent2")

	w := NewWalker(data, rel, pool)
	units, err := w.ParseUnits()
	require.NoError(t, err)

	pool.Finalize()
	newOff, ok := pool.Lookup(offs[0])
	require.True(t, ok)

	require.NoError(t, ApplyRewrites(units[0], rel, pool, func(uint32) (uint32, bool) { return 0, false }))

	got := binary.LittleEndian.Uint32(data[units[0].strRefs[0].valueOffset:])
	assert.Equal(t, newOff, got)
}

func TestUnknownOpcodeIsFatal(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(4))
	buf.WriteByte(0)
	buf.WriteByte(0x7f) // not a recognized GNU or strx opcode

	rel, data := noopIndex(t, buf.Bytes())
	pool := strpool.New(nil, "/a", "/b")
	w := NewWalker(data, rel, pool)
	_, err := w.ParseUnits()
	assert.Error(t, err)
}

func TestDebugLineOffsetRewrite(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint16(4))
	buf.WriteByte(flagDebugLineOffset)
	binary.Write(&buf, binary.LittleEndian, uint32(100)) // old debug_line_offset
	buf.WriteByte(0)                                      // DW_MACRO_end

	rel, data := noopIndex(t, buf.Bytes())
	pool := strpool.New(nil, "/a", "/b")

	w := NewWalker(data, rel, pool)
	units, err := w.ParseUnits()
	require.NoError(t, err)
	require.Equal(t, uint32(100), units[0].lineOffsetOld)

	lookup := func(old uint32) (uint32, bool) {
		if old == 100 {
			return 250, true
		}
		return 0, false
	}
	require.NoError(t, ApplyRewrites(units[0], rel, pool, lookup))

	got := binary.LittleEndian.Uint32(data[units[0].lineOffsetValueOffset:])
	assert.Equal(t, uint32(250), got)
}
