// Package strpool implements the string pool rewriter: one instance per
// string section (.debug_str, .debug_line_str), deduping interned strings
// and tracking the old-offset -> new-offset mapping that pass 1 needs to
// repoint every DW_FORM_strp/line_strp reference.
package strpool

import (
	"bytes"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwerr"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/pathrewrite"
)

// sentinel is installed once, only when the owning section's
// .debug_str_offsets table needs a landing point for indices the info walk
// never reaches.
const sentinel = "<debugedit>"

// Pool is a single string section's rewriter.
type Pool struct {
	original []byte // the section's original bytes, for intern_existing/intern_replaced reads
	base     string
	dest     string

	strings   []string       // deduped strings, in first-seen order
	handleOf  map[string]int // string -> index into strings
	oldToNew  map[uint32]uint32
	finalized []byte
	sentinelInstalled bool
	sentinelOffset    uint32

	replacedOld map[uint32]bool
}

// New creates a pool over a section's original bytes. base and dest must
// already be canonicalized by the caller.
func New(original []byte, base, dest string) *Pool {
	return &Pool{
		original:    original,
		base:        base,
		dest:        dest,
		handleOf:    map[string]int{},
		oldToNew:    map[uint32]uint32{},
		replacedOld: map[uint32]bool{},
	}
}

func (p *Pool) readString(oldOffset uint32) (string, error) {
	if int(oldOffset) >= len(p.original) {
		return "", dwerr.New(dwerr.KindMalformed, "string offset %d out of bounds", oldOffset)
	}
	end := bytes.IndexByte(p.original[oldOffset:], 0)
	if end < 0 {
		return "", dwerr.New(dwerr.KindMalformed, "unterminated string at offset %d", oldOffset)
	}
	return string(p.original[oldOffset : int(oldOffset)+end]), nil
}

func (p *Pool) intern(s string) {
	if _, ok := p.handleOf[s]; ok {
		return
	}
	p.handleOf[s] = len(p.strings)
	p.strings = append(p.strings, s)
}

// InternExisting reads the string at oldOffset in the original section (if
// not already interned from this offset) and adds it to the pool verbatim.
func (p *Pool) InternExisting(oldOffset uint32) error {
	if _, ok := p.oldToNew[oldOffset]; ok {
		return nil
	}
	s, err := p.readString(oldOffset)
	if err != nil {
		return err
	}
	p.intern(s)
	p.oldToNew[oldOffset] = 0 // placeholder, resolved by Finalize
	return nil
}

// InternReplaced behaves like InternExisting, but if the string begins
// with base it is replaced with dest + "/" + suffix (or just dest when the
// suffix is empty) before being interned. Returns the original string as
// read from the section (before any replacement) along with whether a
// replacement was performed, so callers that need the pre-rewrite text
// (e.g. to populate a compilation unit's recorded comp_dir/name) don't have
// to read the section a second time.
func (p *Pool) InternReplaced(oldOffset uint32) (original string, replaced bool, err error) {
	original, err = p.readString(oldOffset)
	if err != nil {
		return "", false, err
	}

	if _, ok := p.oldToNew[oldOffset]; ok {
		return original, p.replacedOld[oldOffset], nil
	}

	s := original
	if suffix, ok := pathrewrite.SkipPrefix(s, p.base); ok {
		if suffix == "" {
			s = p.dest
		} else {
			s = p.dest + "/" + suffix
		}
		replaced = true
	}

	p.intern(s)
	p.oldToNew[oldOffset] = 0
	p.replacedOld[oldOffset] = replaced
	return original, replaced, nil
}

// EnsureSentinel installs the "<debugedit>" sentinel string, if it has not
// already been installed. Called when the owning section has a companion
// .debug_str_offsets table.
func (p *Pool) EnsureSentinel() {
	if p.sentinelInstalled {
		return
	}
	p.intern(sentinel)
	p.sentinelInstalled = true
}

// Finalize assigns concrete byte offsets to every interned string in
// first-seen order and produces the new section's byte buffer. Lookup
// becomes valid only after this call.
func (p *Pool) Finalize() []byte {
	var buf bytes.Buffer
	offsetOf := make(map[string]uint32, len(p.strings))

	for _, s := range p.strings {
		offsetOf[s] = uint32(buf.Len())
		buf.WriteString(s)
		buf.WriteByte(0)
	}

	if p.sentinelInstalled {
		p.sentinelOffset = offsetOf[sentinel]
	}

	for oldOffset := range p.oldToNew {
		s, err := p.readString(oldOffset)
		if err != nil {
			continue
		}
		if p.replacedOld[oldOffset] {
			if suffix, ok := pathrewrite.SkipPrefix(s, p.base); ok {
				if suffix == "" {
					s = p.dest
				} else {
					s = p.dest + "/" + suffix
				}
			}
		}
		p.oldToNew[oldOffset] = offsetOf[s]
	}

	p.finalized = buf.Bytes()
	return p.finalized
}

// Lookup returns the new offset for a string previously interned at
// oldOffset. Requires Finalize to have run.
func (p *Pool) Lookup(oldOffset uint32) (uint32, bool) {
	v, ok := p.oldToNew[oldOffset]
	return v, ok
}

// LookupOrSentinel behaves like Lookup, but for indices that were never
// interned by the info walk (dangling .debug_str_offsets entries) it
// returns the sentinel offset instead of failing, and reports whether the
// sentinel was used. Callers must have called EnsureSentinel before
// Finalize whenever this fallback path is reachable (the orchestrator does
// so for every pool backing a .debug_str_offsets table).
func (p *Pool) LookupOrSentinel(oldOffset uint32) (newOffset uint32, usedSentinel bool) {
	if v, ok := p.oldToNew[oldOffset]; ok {
		return v, false
	}
	return p.sentinelOffset, true
}

// Bytes returns the finalized section content. Requires Finalize to have
// run.
func (p *Pool) Bytes() []byte {
	return p.finalized
}
