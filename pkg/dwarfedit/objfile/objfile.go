// Package objfile is the ELF/DWARF access layer. It opens an ELF file,
// enumerates its sections, transparently decompresses/recompresses
// SHF_COMPRESSED sections, and persists an edited copy with a layout
// discipline where allocated sections keep their file offsets and
// unallocated (debug) sections are repacked after them.
//
// debug/elf (stdlib) handles header and section-table decoding; it has no
// encoder, though, so writing is implemented from scratch against the raw
// bytes this package keeps around from LOAD.
package objfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwerr"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
)

// Mode selects whether the file is opened for inspection only or for
// editing.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Section is a mutable view over one ELF section. Data is always the
// decompressed, logical byte content; Compressed/CompressAlgo record
// whether RECOMPRESS (component A's contract) needs to reapply compression
// on write.
type Section struct {
	Index     int
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64

	Data          []byte
	Compressed    bool
	CompressAlgo  elf.CompressionType
	originalUncompressedSize uint64
	compressedForWrite       []byte

	Dirty bool
}

// Allocated reports whether the section occupies space in the runtime
// memory image (SHF_ALLOC).
func (s *Section) Allocated() bool {
	return s.Flags&elf.SHF_ALLOC != 0
}

// File is an open ELF file, loaded entirely into memory for editing.
type File struct {
	path      string
	mode      Mode
	raw       []byte // the untouched original file bytes, for the "kept prefix" region
	elfFile   *elf.File
	byteOrder binary.ByteOrder
	class     elf.Class
	ehdrPhnum int

	Sections []*Section
	byName   map[string][]*Section
}

// OpenForEdit opens path and materializes every section's data.
func OpenForEdit(path string, mode Mode) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, dwerr.Wrap(dwerr.KindEnvironmental, err, "opening %s", path)
	}

	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, dwerr.Wrap(dwerr.KindMalformed, err, "parsing ELF file %s", path)
	}

	f := &File{
		path:      path,
		mode:      mode,
		raw:       raw,
		elfFile:   ef,
		byteOrder: ef.ByteOrder,
		class:     ef.Class,
		ehdrPhnum: len(ef.Progs),
		byName:    map[string][]*Section{},
	}

	for i, s := range ef.Sections {
		data, compressed, algo, err := readSectionData(s)
		if err != nil {
			return nil, dwerr.Wrap(dwerr.KindMalformed, err, "reading section %s", s.Name)
		}

		sec := &Section{
			Index:                    i,
			Name:                     s.Name,
			Type:                     s.Type,
			Flags:                    s.Flags,
			Addr:                     s.Addr,
			Offset:                   s.Offset,
			Size:                     s.Size,
			Link:                     s.Link,
			Info:                     s.Info,
			Addralign:                s.Addralign,
			Entsize:                  s.Entsize,
			Data:                     data,
			Compressed:               compressed,
			CompressAlgo:             algo,
			originalUncompressedSize: uint64(len(data)),
		}
		f.Sections = append(f.Sections, sec)
		f.byName[s.Name] = append(f.byName[s.Name], sec)
	}

	return f, nil
}

func readSectionData(s *elf.Section) ([]byte, bool, elf.CompressionType, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, false, 0, nil
	}

	if s.Flags&elf.SHF_COMPRESSED == 0 {
		data, err := s.Data()
		return data, false, 0, err
	}

	// debug/elf decompresses SHF_COMPRESSED sections read through Open().
	// The compression header's algorithm is not inspected: every compressed
	// section is recorded as ELFCOMPRESS_ZLIB, the only algorithm
	// RECOMPRESS writes back.
	r, err := s.Open()
	if err != nil {
		return nil, false, 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, 0, err
	}
	return data, true, elf.COMPRESS_ZLIB, nil
}

// ByteOrder returns the file's endianness.
func (f *File) ByteOrder() binary.ByteOrder { return f.byteOrder }

// Is64 reports whether the file is ELFCLASS64.
func (f *File) Is64() bool { return f.class == elf.ELFCLASS64 }

// Machine returns the ELF machine type, used to validate relocation types.
func (f *File) Machine() elf.Machine { return f.elfFile.Machine }

// HasProgramHeaders reports whether the file carries program headers
// (executables and shared objects do; relocatable .o files normally do
// not), which determines which section layout strategy applies on write.
func (f *File) HasProgramHeaders() bool { return f.ehdrPhnum > 0 }

// SectionByName returns the first section with the given name, or nil.
func (f *File) SectionByName(name string) *Section {
	secs := f.byName[name]
	if len(secs) == 0 {
		return nil
	}
	return secs[0]
}

// SectionsByName returns every section with the given name (relevant for
// COMDAT .debug_macro/.debug_types, which may appear multiple times).
func (f *File) SectionsByName(name string) []*Section {
	return f.byName[name]
}

// RawElf exposes the underlying debug/elf.File for read-only queries
// (symbols, raw section headers) that this package does not wrap directly.
func (f *File) RawElf() *elf.File { return f.elfFile }

// RelocationSectionFor returns the SHT_REL/SHT_RELA section whose sh_info
// names targetIndex as the section it relocates, or nil if none exists.
func (f *File) RelocationSectionFor(targetIndex int) *Section {
	for _, s := range f.Sections {
		if (s.Type == elf.SHT_REL || s.Type == elf.SHT_RELA) && int(s.Info) == targetIndex {
			return s
		}
	}
	return nil
}

// MarkDirty flags a section's Data as having been rewritten, so RECOMPRESS
// and WRITE know to treat it as mutated content rather than a passthrough.
func (s *Section) MarkDirty(data []byte) {
	s.Data = data
	s.Size = uint64(len(data))
	s.Dirty = true
}

// Recompress reapplies each dirty, originally-compressed section's
// compression algorithm. It is a no-op for sections that were never
// compressed or were never modified.
func (f *File) Recompress() error {
	for _, s := range f.Sections {
		if !s.Dirty || !s.Compressed {
			continue
		}
		compressed, err := compressZlib(s.Data, f.Is64(), f.byteOrder)
		if err != nil {
			return dwerr.Wrap(dwerr.KindResourceExhaustion, err, "recompressing %s", s.Name)
		}
		s.compressedForWrite = compressed
	}
	return nil
}

func compressZlib(data []byte, is64 bool, order binary.ByteOrder) ([]byte, error) {
	var buf bytes.Buffer

	// ELF compressed section header (Elf64_Chdr / Elf32_Chdr): type,
	// reserved padding, uncompressed size, alignment.
	if is64 {
		hdr := struct {
			Type      uint32
			Reserved  uint32
			Size      uint64
			Addralign uint64
		}{Type: uint32(elf.COMPRESS_ZLIB), Size: uint64(len(data)), Addralign: 8}
		if err := binary.Write(&buf, order, hdr); err != nil {
			return nil, err
		}
	} else {
		hdr := struct {
			Type      uint32
			Size      uint32
			Addralign uint32
		}{Type: uint32(elf.COMPRESS_ZLIB), Size: uint32(len(data)), Addralign: 4}
		if err := binary.Write(&buf, order, hdr); err != nil {
			return nil, err
		}
	}

	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// contentForWrite returns the bytes that should be written to the file for
// this section: the recompressed buffer if one was produced, otherwise the
// logical (decompressed) Data, otherwise (for untouched sections) the
// original on-disk bytes verbatim.
func (f *File) contentForWrite(s *Section) []byte {
	if s.compressedForWrite != nil {
		return s.compressedForWrite
	}
	if s.Type == elf.SHT_NOBITS {
		return nil
	}
	if !s.Dirty && !s.Compressed {
		return f.raw[s.Offset : s.Offset+s.Size]
	}
	return s.Data
}

// WriteFile persists the edited file to path using the layout computed by
// buildImage (see layout.go). It is atomic: the new content is written to a
// sibling temp file and renamed over the destination, so a crash never
// leaves a partially-written target.
func (f *File) WriteFile(path string) error {
	content, err := f.buildImage()
	if err != nil {
		return err
	}

	dir := dirOf(path)
	tmp := dir + "/." + uuid.NewString() + ".tmp"

	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return dwerr.Wrap(dwerr.KindEnvironmental, err, "writing temp file for %s", path)
	}

	if info, statErr := os.Stat(path); statErr == nil {
		_ = os.Chmod(tmp, info.Mode())
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return dwerr.Wrap(dwerr.KindEnvironmental, err, "renaming temp file onto %s", path)
	}

	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
