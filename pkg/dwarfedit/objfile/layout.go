package objfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// buildImage reassembles the file on write: when the file has program
// headers, every allocated section keeps its exact original file offset
// (the whole prefix up to the
// highest allocated section's end is copied through byte-for-byte,
// including the ELF header and program header table); unallocated sections
// — the only ones this editor ever resizes — are repacked immediately
// after that prefix, each aligned to its sh_addralign, followed by a
// freshly placed section header table.
//
// Relocatable objects (no program headers) have no runtime-loaded layout to
// preserve, so every section is repacked in original order starting right
// after the ELF header.
type placedSection struct {
	sec    *Section
	offset uint64
	size   uint64
}

func (f *File) buildImage() ([]byte, error) {
	prefixEnd := f.prefixEnd()

	var out bytes.Buffer
	out.Write(f.raw[:prefixEnd])

	var packed []placedSection
	cursor := uint64(prefixEnd)

	for _, s := range f.Sections {
		if s.Offset < uint64(prefixEnd) && f.HasProgramHeaders() && s.Allocated() {
			// Already covered verbatim by the copied prefix.
			continue
		}

		content := f.contentForWrite(s)
		align := s.Addralign
		if align == 0 {
			align = 1
		}
		cursor = alignUp(cursor, align)

		if len(content) > 0 {
			pad := int(cursor) - out.Len()
			if pad > 0 {
				out.Write(make([]byte, pad))
			}
			out.Write(content)
		}

		packed = append(packed, placedSection{sec: s, offset: cursor, size: uint64(len(content))})
		if s.Type != elf.SHT_NOBITS {
			cursor += uint64(len(content))
		}
	}

	shoff := alignUp(uint64(out.Len()), 8)
	if pad := int(shoff) - out.Len(); pad > 0 {
		out.Write(make([]byte, pad))
	}

	newOffsets := map[int]placedSection{}
	for _, p := range packed {
		newOffsets[p.sec.Index] = p
	}

	if err := f.writeSectionHeaders(&out, newOffsets); err != nil {
		return nil, err
	}

	result := out.Bytes()
	f.patchShoff(result, shoff)

	return result, nil
}

// prefixEnd returns the length of the byte-identical prefix copied straight
// from the original file: the highest (offset+size) among allocated
// sections when program headers are present, or just the ELF header size
// otherwise (object files have nothing location-sensitive to preserve).
func (f *File) prefixEnd() int64 {
	if !f.HasProgramHeaders() {
		if f.Is64() {
			return 64
		}
		return 52
	}

	var maxEnd uint64
	for _, s := range f.Sections {
		if !s.Allocated() {
			continue
		}
		end := s.Offset + s.Size
		if end > maxEnd {
			maxEnd = end
		}
	}
	return int64(maxEnd)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func (f *File) patchShoff(buf []byte, shoff uint64) {
	order := f.byteOrder
	if f.Is64() {
		order.PutUint64(buf[0x28:0x30], shoff)
	} else {
		order.PutUint32(buf[0x20:0x24], uint32(shoff))
	}
}

func (f *File) writeSectionHeaders(out *bytes.Buffer, placedByIndex map[int]placedSection) error {
	order := f.byteOrder

	// debug/elf keeps only the resolved section name, so each sh_name index
	// is read back from the original section header table.
	var origShoff, origShentsize uint64
	if f.Is64() {
		origShoff = order.Uint64(f.raw[0x28:0x30])
		origShentsize = uint64(order.Uint16(f.raw[0x3a:0x3c]))
	} else {
		origShoff = uint64(order.Uint32(f.raw[0x20:0x24]))
		origShentsize = uint64(order.Uint16(f.raw[0x2e:0x30]))
	}

	for _, s := range f.Sections {
		offset := s.Offset
		size := s.Size
		if p, ok := placedByIndex[s.Index]; ok {
			offset = p.offset
			size = p.size
		}
		nameIdx := order.Uint32(f.raw[origShoff+uint64(s.Index)*origShentsize:])

		if f.Is64() {
			var hdr struct {
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
			}
			hdr.Name = nameIdx
			hdr.Type = uint32(s.Type)
			hdr.Flags = uint64(s.Flags)
			hdr.Addr = s.Addr
			hdr.Off = offset
			hdr.Size = size
			hdr.Link = s.Link
			hdr.Info = s.Info
			hdr.Addralign = s.Addralign
			hdr.Entsize = s.Entsize
			if err := binary.Write(out, order, hdr); err != nil {
				return err
			}
		} else {
			var hdr struct {
				Name      uint32
				Type      uint32
				Flags     uint32
				Addr      uint32
				Off       uint32
				Size      uint32
				Link      uint32
				Info      uint32
				Addralign uint32
				Entsize   uint32
			}
			hdr.Name = nameIdx
			hdr.Type = uint32(s.Type)
			hdr.Flags = uint32(s.Flags)
			hdr.Addr = uint32(s.Addr)
			hdr.Off = uint32(offset)
			hdr.Size = uint32(size)
			hdr.Link = s.Link
			hdr.Info = s.Info
			hdr.Addralign = uint32(s.Addralign)
			hdr.Entsize = uint32(s.Entsize)
			if err := binary.Write(out, order, hdr); err != nil {
				return err
			}
		}
	}

	return nil
}
