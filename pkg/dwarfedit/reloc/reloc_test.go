package reloc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/objfile"
)

// buildRelocatableELF assembles a minimal little-endian ELF64 x86-64
// relocatable object with one SHT_PROGBITS section ("debug_info") carrying
// a single 32-bit word and a companion .rela.debug_info section with one
// R_X86_64_32 relocation against it, then opens it through objfile.
func buildRelocatableELF(t *testing.T, literal uint32, addend int64) *objfile.File {
	t.Helper()

	const (
		shstrtabIdx = 1
		infoIdx     = 2
		relaIdx     = 3
	)

	shstrtab := []byte{0}
	addName := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, append([]byte(name), 0)...)
		return off
	}

	nullName := addName("")
	_ = nullName
	shstrtabName := addName(".shstrtab")
	infoName := addName(".debug_info")
	relaName := addName(".rela.debug_info")

	infoData := make([]byte, 4)
	binary.LittleEndian.PutUint32(infoData, literal)

	var rela bytes.Buffer
	require.NoError(t, binary.Write(&rela, binary.LittleEndian, elf.Rela64{
		Off:    0,
		Info:   elf.R_INFO(0, uint32(elf.R_X86_64_32)),
		Addend: addend,
	}))

	var buf bytes.Buffer

	const ehdrSize = 64
	const shdrSize = 64
	numSections := 4 // null, shstrtab, debug_info, rela

	// Placeholder header, patched below once offsets are known.
	buf.Write(make([]byte, ehdrSize))

	shstrtabOff := buf.Len()
	buf.Write(shstrtab)

	infoOff := buf.Len()
	buf.Write(infoData)

	relaOff := buf.Len()
	buf.Write(rela.Bytes())

	shoff := buf.Len()

	writeShdr := func(name, typ uint32, flags, addr uint64, off, size uint64, link, info uint32, align, entsize uint64) {
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
		}{name, typ, flags, addr, off, size, link, info, align, entsize}
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	}

	writeShdr(0, 0, 0, 0, 0, 0, 0, 0, 0, 0) // SHN_UNDEF
	writeShdr(shstrtabName, uint32(elf.SHT_STRTAB), 0, 0, uint64(shstrtabOff), uint64(len(shstrtab)), 0, 0, 1, 0)
	writeShdr(infoName, uint32(elf.SHT_PROGBITS), 0, 0, uint64(infoOff), uint64(len(infoData)), 0, 0, 1, 0)
	writeShdr(relaName, uint32(elf.SHT_RELA), 0, 0, uint64(relaOff), uint64(rela.Len()), 0, infoIdx, 8, 24)

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
		Shentsize: shdrSize,
		Shnum:     uint16(numSections),
		Shstrndx:  shstrtabIdx,
	}
	ehdr.Ident[0] = '\x7f'
	ehdr.Ident[1] = 'E'
	ehdr.Ident[2] = 'L'
	ehdr.Ident[3] = 'F'
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
	return f
}

func TestReadWordRelSubstitutesAddend(t *testing.T) {
	f := buildRelocatableELF(t, 0, 777)
	sec := f.SectionByName(".debug_info")
	require.NotNil(t, sec)

	idx, err := Build(f, sec)
	require.NoError(t, err)

	v, err := idx.ReadWordRel(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(777), v)
}

func TestWriteWordRelUpdatesAddendForRELA(t *testing.T) {
	f := buildRelocatableELF(t, 0, 777)
	sec := f.SectionByName(".debug_info")
	idx, err := Build(f, sec)
	require.NoError(t, err)

	_, err = idx.ReadWordRel(0)
	require.NoError(t, err)
	require.NoError(t, idx.WriteWordRel(0, 999))

	v, err := idx.ReadWordRel(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(999), v)

	require.NoError(t, idx.Commit())
}

func TestWriteWordRelWithoutPriorReadFails(t *testing.T) {
	f := buildRelocatableELF(t, 0, 777)
	sec := f.SectionByName(".debug_info")
	idx, err := Build(f, sec)
	require.NoError(t, err)

	err = idx.WriteWordRel(0, 999)
	assert.Error(t, err)
}

func TestShiftOffsetsRemapsRelocationTarget(t *testing.T) {
	f := buildRelocatableELF(t, 0, 777)
	sec := f.SectionByName(".debug_info")
	idx, err := Build(f, sec)
	require.NoError(t, err)

	idx.ShiftOffsets(func(old int) (int, bool) {
		if old == 0 {
			return 100, true
		}
		return 0, false
	})
	require.NoError(t, idx.Commit())

	relaSec := f.SectionByName(".rela.debug_info")
	require.NotNil(t, relaSec)
	var got elf.Rela64
	require.NoError(t, binary.Read(bytes.NewReader(relaSec.Data), binary.LittleEndian, &got))
	assert.Equal(t, uint64(100), got.Off)
	assert.Equal(t, int64(777), got.Addend)
}

func TestShiftOffsetsIgnoresUnmappedEntries(t *testing.T) {
	f := buildRelocatableELF(t, 0, 777)
	sec := f.SectionByName(".debug_info")
	idx, err := Build(f, sec)
	require.NoError(t, err)

	idx.ShiftOffsets(func(old int) (int, bool) { return 0, false })
	assert.False(t, idx.dirty)
}

func TestNoRelocationSectionReadsLiteral(t *testing.T) {
	f := buildRelocatableELF(t, 42, 777)
	sec := f.SectionByName(".rela.debug_info")
	require.NotNil(t, sec)

	idx, err := Build(f, sec)
	require.NoError(t, err)

	v, err := idx.ReadWordRel(0)
	require.NoError(t, err)
	// .rela.debug_info itself has no companion relocation section, so the
	// literal bytes (the first 8 bytes of the RELA entry: r_offset) are
	// read back unmodified.
	assert.Equal(t, uint32(0), v)
}
