// Package sourcelist implements the sources-list output: an append-only,
// null-terminated concatenation of canonicalized paths, one entry per
// comp-dir or source file a walk resolves under base or dest. Order
// matches DIE-traversal order; this package performs no dedup, so
// duplicates are not elided at this layer.
package sourcelist

import (
	"bufio"
	"os"
	"strings"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwerr"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/pathrewrite"
)

// Writer appends canonicalized, null-terminated paths to a single
// sources-list file, flushing its buffer on Close. Entries are buffered
// and written in chunks rather than one syscall per path.
type Writer struct {
	f  *os.File
	bw *bufio.Writer
}

// Open opens (creating if necessary) path in append mode for the
// duration of an editor session.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, dwerr.Wrap(dwerr.KindEnvironmental, err, "opening sources-list file %s", path)
	}
	return &Writer{f: f, bw: bufio.NewWriter(f)}, nil
}

// WritePath canonicalizes path and appends it, null-terminated.
func (w *Writer) WritePath(path string) error {
	return w.writeRaw(pathrewrite.Canonicalize(path))
}

// WriteCompDir appends dir, canonicalized and with a trailing "/". The
// caller is responsible for only calling this when dir is under base or
// dest.
func (w *Writer) WriteCompDir(dir string) error {
	c := pathrewrite.Canonicalize(dir)
	if !strings.HasSuffix(c, "/") {
		c += "/"
	}
	return w.writeRaw(c)
}

func (w *Writer) writeRaw(s string) error {
	if _, err := w.bw.WriteString(s); err != nil {
		return dwerr.Wrap(dwerr.KindEnvironmental, err, "writing sources-list entry")
	}
	if err := w.bw.WriteByte(0); err != nil {
		return dwerr.Wrap(dwerr.KindEnvironmental, err, "writing sources-list entry")
	}
	return nil
}

// Close flushes any buffered entries and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		_ = w.f.Close()
		return dwerr.Wrap(dwerr.KindEnvironmental, err, "flushing sources-list file")
	}
	if err := w.f.Close(); err != nil {
		return dwerr.Wrap(dwerr.KindEnvironmental, err, "closing sources-list file")
	}
	return nil
}
