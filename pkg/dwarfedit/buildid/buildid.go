// Package buildid implements the build-id hasher: it locates an existing
// GNU build-id note, computes a deterministic 128-bit hash over the file's
// structure and content, and overwrites the note's descriptor with the
// digest.
//
// The hash must be stable across architectures and endiannesses that carry
// otherwise-identical debug content, so headers are promoted to a canonical
// 64-bit little-endian shape before hashing rather than fed in their native
// on-disk width/order; only the actual section bytes are hashed verbatim.
// murmur3 provides the streaming 128-bit hash; it is a non-cryptographic
// content fingerprint, not a collision-resistant digest.
package buildid

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"os"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwerr"
	"github.com/spaolacci/murmur3"
)

const (
	classELF32 = 1
	classELF64 = 2
	dataLSB    = 1
	dataMSB    = 2

	noteGNUBuildID = 3 // NT_GNU_BUILD_ID
	shtNote        = 7
	shtNobits      = 8
)

// Result describes a completed recompute: the final descriptor bytes and
// their hex-encoded form for CLI/report output.
type Result struct {
	Digest []byte
	Hex    string
}

// Recompute reads the ELF file at path, locates its first allocated
// SHT_NOTE section carrying an NT_GNU_BUILD_ID note named "GNU", rehashes
// the file's structure and content into a 128-bit digest, writes the
// digest into the note descriptor, and persists only that section's bytes
// back to path.
//
// Running Recompute again over its own output (same seed, no other edits)
// reproduces the identical digest: the first min(n, 16) descriptor bytes
// are zeroed before hashing, and any bytes past 16 were written back as
// zero by the previous run, so the previous digest never feeds into the
// next one.
func Recompute(path string, seed string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, dwerr.Wrap(dwerr.KindEnvironmental, err, "opening %s for build-id recompute", path)
	}

	hdr, err := parseIdent(raw)
	if err != nil {
		return nil, err
	}

	shdrs, err := parseSectionHeaders(raw, hdr)
	if err != nil {
		return nil, err
	}

	note, descOff, n, err := findBuildIDNote(raw, hdr, shdrs)
	if err != nil {
		return nil, err
	}

	zeroLen := n
	if zeroLen > 16 {
		zeroLen = 16
	}
	for i := 0; i < zeroLen; i++ {
		raw[descOff+i] = 0
	}

	h := murmur3.New128()
	if seed != "" {
		_, _ = h.Write([]byte(seed))
	}
	if _, err := h.Write(canonicalEhdr(raw, hdr)); err != nil {
		return nil, dwerr.Wrap(dwerr.KindEnvironmental, err, "hashing ELF header")
	}
	for _, ph := range canonicalPhdrs(raw, hdr) {
		if _, err := h.Write(ph); err != nil {
			return nil, dwerr.Wrap(dwerr.KindEnvironmental, err, "hashing program header")
		}
	}
	for _, s := range shdrs {
		if _, err := h.Write(canonicalShdr(s)); err != nil {
			return nil, dwerr.Wrap(dwerr.KindEnvironmental, err, "hashing section header")
		}
		if s.Type != shtNobits {
			if _, err := h.Write(raw[s.Offset : s.Offset+s.Size]); err != nil {
				return nil, dwerr.Wrap(dwerr.KindEnvironmental, err, "hashing section content")
			}
		}
	}

	hi, lo := h.Sum128()
	digest128 := make([]byte, 16)
	binary.BigEndian.PutUint64(digest128[0:8], hi)
	binary.BigEndian.PutUint64(digest128[8:16], lo)

	out := make([]byte, n)
	copy(out, digest128) // truncates if n < 16, zero-pads (already zero) if n > 16
	copy(raw[descOff:descOff+n], out)

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, dwerr.Wrap(dwerr.KindEnvironmental, err, "reopening %s to persist build-id", path)
	}
	defer f.Close()
	if _, err := f.WriteAt(raw[note.Offset:note.Offset+note.Size], int64(note.Offset)); err != nil {
		return nil, dwerr.Wrap(dwerr.KindEnvironmental, err, "writing build-id note back to %s", path)
	}

	return &Result{Digest: out, Hex: hex.EncodeToString(out)}, nil
}

// ReadExisting locates the GNU build-id note at path and returns its
// descriptor bytes hex-encoded, without modifying the file. Backs
// --no-recompute-build-id, which still prints the note's current content.
func ReadExisting(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", dwerr.Wrap(dwerr.KindEnvironmental, err, "opening %s to read build-id", path)
	}

	hdr, err := parseIdent(raw)
	if err != nil {
		return "", err
	}
	shdrs, err := parseSectionHeaders(raw, hdr)
	if err != nil {
		return "", err
	}
	_, descOff, n, err := findBuildIDNote(raw, hdr, shdrs)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(raw[descOff : descOff+n]), nil
}

type ident struct {
	is64      bool
	byteOrder binary.ByteOrder
}

func parseIdent(raw []byte) (ident, error) {
	if len(raw) < 20 || raw[0] != 0x7f || raw[1] != 'E' || raw[2] != 'L' || raw[3] != 'F' {
		return ident{}, dwerr.New(dwerr.KindMalformed, "not an ELF file")
	}
	var is64 bool
	switch raw[4] {
	case classELF64:
		is64 = true
	case classELF32:
		is64 = false
	default:
		return ident{}, dwerr.New(dwerr.KindMalformed, "unknown ELF class %d", raw[4])
	}

	var order binary.ByteOrder
	switch raw[5] {
	case dataLSB:
		order = binary.LittleEndian
	case dataMSB:
		order = binary.BigEndian
	default:
		return ident{}, dwerr.New(dwerr.KindMalformed, "unknown ELF data encoding %d", raw[5])
	}

	return ident{is64: is64, byteOrder: order}, nil
}

type shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func parseSectionHeaders(raw []byte, hdr ident) ([]shdr, error) {
	var shoff uint64
	var shentsize, shnum uint16

	if hdr.is64 {
		if len(raw) < 64 {
			return nil, dwerr.New(dwerr.KindMalformed, "truncated ELF64 header")
		}
		shoff = hdr.byteOrder.Uint64(raw[40:48])
		shentsize = hdr.byteOrder.Uint16(raw[58:60])
		shnum = hdr.byteOrder.Uint16(raw[60:62])
	} else {
		if len(raw) < 52 {
			return nil, dwerr.New(dwerr.KindMalformed, "truncated ELF32 header")
		}
		shoff = uint64(hdr.byteOrder.Uint32(raw[32:36]))
		shentsize = hdr.byteOrder.Uint16(raw[46:48])
		shnum = hdr.byteOrder.Uint16(raw[48:50])
	}

	out := make([]shdr, 0, shnum)
	for i := 0; i < int(shnum); i++ {
		off := int(shoff) + i*int(shentsize)
		if off+int(shentsize) > len(raw) {
			return nil, dwerr.New(dwerr.KindMalformed, "section header %d out of bounds", i)
		}
		if hdr.is64 {
			b := raw[off:]
			out = append(out, shdr{
				Name:      hdr.byteOrder.Uint32(b[0:4]),
				Type:      hdr.byteOrder.Uint32(b[4:8]),
				Flags:     hdr.byteOrder.Uint64(b[8:16]),
				Addr:      hdr.byteOrder.Uint64(b[16:24]),
				Offset:    hdr.byteOrder.Uint64(b[24:32]),
				Size:      hdr.byteOrder.Uint64(b[32:40]),
				Link:      hdr.byteOrder.Uint32(b[40:44]),
				Info:      hdr.byteOrder.Uint32(b[44:48]),
				Addralign: hdr.byteOrder.Uint64(b[48:56]),
				Entsize:   hdr.byteOrder.Uint64(b[56:64]),
			})
		} else {
			b := raw[off:]
			out = append(out, shdr{
				Name:      hdr.byteOrder.Uint32(b[0:4]),
				Type:      hdr.byteOrder.Uint32(b[4:8]),
				Flags:     uint64(hdr.byteOrder.Uint32(b[8:12])),
				Addr:      uint64(hdr.byteOrder.Uint32(b[12:16])),
				Offset:    uint64(hdr.byteOrder.Uint32(b[16:20])),
				Size:      uint64(hdr.byteOrder.Uint32(b[20:24])),
				Link:      hdr.byteOrder.Uint32(b[24:28]),
				Info:      hdr.byteOrder.Uint32(b[28:32]),
				Addralign: uint64(hdr.byteOrder.Uint32(b[32:36])),
				Entsize:   uint64(hdr.byteOrder.Uint32(b[36:40])),
			})
		}
	}
	return out, nil
}

// findBuildIDNote scans allocated SHT_NOTE sections in order for the first
// NT_GNU_BUILD_ID note named "GNU", returning the owning section, the
// absolute byte offset of its descriptor, and the descriptor size.
func findBuildIDNote(raw []byte, hdr ident, shdrs []shdr) (shdr, int, int, error) {
	const shfAlloc = 0x2

	for _, s := range shdrs {
		if s.Type != shtNote || s.Flags&shfAlloc == 0 {
			continue
		}
		data := raw[s.Offset : s.Offset+s.Size]
		pos := 0
		for pos+12 <= len(data) {
			namesz := hdr.byteOrder.Uint32(data[pos : pos+4])
			descsz := hdr.byteOrder.Uint32(data[pos+4 : pos+8])
			noteType := hdr.byteOrder.Uint32(data[pos+8 : pos+12])
			pos += 12

			nameEnd := pos + int(namesz)
			if nameEnd > len(data) {
				break
			}
			name := bytes.TrimRight(data[pos:nameEnd], "\x00")
			pos = align4(nameEnd)

			descStart := pos
			descEnd := descStart + int(descsz)
			if descEnd > len(data) {
				break
			}

			if noteType == noteGNUBuildID && string(name) == "GNU" {
				return s, int(s.Offset) + descStart, int(descsz), nil
			}

			pos = align4(descEnd)
		}
	}
	return shdr{}, 0, 0, dwerr.New(dwerr.KindMalformed, "no NT_GNU_BUILD_ID note found")
}

func align4(v int) int { return (v + 3) &^ 3 }

// canonicalEhdr re-encodes the multi-byte header fields in little-endian
// regardless of the file's own byte order, so a big-endian and
// little-endian target with otherwise identical debug content still hash
// to the same digest.
func canonicalEhdr(raw []byte, hdr ident) []byte {
	var buf bytes.Buffer
	buf.Write(raw[0:16]) // e_ident, unchanged

	le := binary.LittleEndian
	if hdr.is64 {
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[16:18])) // e_type
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[18:20])) // e_machine
		binary.Write(&buf, le, hdr.byteOrder.Uint32(raw[20:24])) // e_version
		binary.Write(&buf, le, hdr.byteOrder.Uint64(raw[24:32])) // e_entry
		binary.Write(&buf, le, uint64(0))                        // e_phoff
		binary.Write(&buf, le, uint64(0))                        // e_shoff
		binary.Write(&buf, le, hdr.byteOrder.Uint32(raw[48:52])) // e_flags
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[52:54])) // e_ehsize
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[54:56])) // e_phentsize
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[56:58])) // e_phnum
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[58:60])) // e_shentsize
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[60:62])) // e_shnum
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[62:64])) // e_shstrndx
	} else {
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[16:18])) // e_type
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[18:20])) // e_machine
		binary.Write(&buf, le, hdr.byteOrder.Uint32(raw[20:24])) // e_version
		binary.Write(&buf, le, uint64(hdr.byteOrder.Uint32(raw[24:28]))) // e_entry
		binary.Write(&buf, le, uint64(0))                                // e_phoff
		binary.Write(&buf, le, uint64(0))                                // e_shoff
		binary.Write(&buf, le, hdr.byteOrder.Uint32(raw[36:40]))         // e_flags
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[40:42]))         // e_ehsize
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[42:44]))         // e_phentsize
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[44:46]))         // e_phnum
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[46:48]))         // e_shentsize
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[48:50]))         // e_shnum
		binary.Write(&buf, le, hdr.byteOrder.Uint16(raw[50:52]))         // e_shstrndx
	}
	return buf.Bytes()
}

func canonicalPhdrs(raw []byte, hdr ident) [][]byte {
	var phoff uint64
	var phentsize, phnum uint16

	if hdr.is64 {
		phoff = hdr.byteOrder.Uint64(raw[32:40])
		phentsize = hdr.byteOrder.Uint16(raw[54:56])
		phnum = hdr.byteOrder.Uint16(raw[56:58])
	} else {
		phoff = uint64(hdr.byteOrder.Uint32(raw[28:32]))
		phentsize = hdr.byteOrder.Uint16(raw[42:44])
		phnum = hdr.byteOrder.Uint16(raw[44:46])
	}

	out := make([][]byte, 0, phnum)
	for i := 0; i < int(phnum); i++ {
		off := int(phoff) + i*int(phentsize)
		if off+int(phentsize) > len(raw) {
			break
		}
		b := raw[off:]
		var buf bytes.Buffer
		if hdr.is64 {
			binary.Write(&buf, binary.LittleEndian, hdr.byteOrder.Uint32(b[0:4]))   // p_type
			binary.Write(&buf, binary.LittleEndian, hdr.byteOrder.Uint32(b[4:8]))   // p_flags
			binary.Write(&buf, binary.LittleEndian, hdr.byteOrder.Uint64(b[8:16]))  // p_offset
			binary.Write(&buf, binary.LittleEndian, hdr.byteOrder.Uint64(b[16:24])) // p_vaddr
			binary.Write(&buf, binary.LittleEndian, hdr.byteOrder.Uint64(b[24:32])) // p_paddr
			binary.Write(&buf, binary.LittleEndian, hdr.byteOrder.Uint64(b[32:40])) // p_filesz
			binary.Write(&buf, binary.LittleEndian, hdr.byteOrder.Uint64(b[40:48])) // p_memsz
			binary.Write(&buf, binary.LittleEndian, hdr.byteOrder.Uint64(b[48:56])) // p_align
		} else {
			binary.Write(&buf, binary.LittleEndian, hdr.byteOrder.Uint32(b[0:4]))            // p_type
			binary.Write(&buf, binary.LittleEndian, hdr.byteOrder.Uint32(b[24:28]))           // p_flags
			binary.Write(&buf, binary.LittleEndian, uint64(hdr.byteOrder.Uint32(b[4:8])))     // p_offset
			binary.Write(&buf, binary.LittleEndian, uint64(hdr.byteOrder.Uint32(b[8:12])))    // p_vaddr
			binary.Write(&buf, binary.LittleEndian, uint64(hdr.byteOrder.Uint32(b[12:16])))   // p_paddr
			binary.Write(&buf, binary.LittleEndian, uint64(hdr.byteOrder.Uint32(b[16:20])))   // p_filesz
			binary.Write(&buf, binary.LittleEndian, uint64(hdr.byteOrder.Uint32(b[20:24])))   // p_memsz
			binary.Write(&buf, binary.LittleEndian, uint64(hdr.byteOrder.Uint32(b[28:32])))   // p_align
		}
		out = append(out, buf.Bytes())
	}
	return out
}

func canonicalShdr(s shdr) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, s.Name)
	binary.Write(&buf, binary.LittleEndian, s.Type)
	binary.Write(&buf, binary.LittleEndian, s.Flags)
	binary.Write(&buf, binary.LittleEndian, s.Addr)
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // sh_offset
	binary.Write(&buf, binary.LittleEndian, s.Size)
	binary.Write(&buf, binary.LittleEndian, s.Link)
	binary.Write(&buf, binary.LittleEndian, s.Info)
	binary.Write(&buf, binary.LittleEndian, s.Addralign)
	binary.Write(&buf, binary.LittleEndian, s.Entsize)
	return buf.Bytes()
}
