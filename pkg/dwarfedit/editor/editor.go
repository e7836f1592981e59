// Package editor implements the editor orchestrator: the LOAD -> CLASSIFY
// -> PASS0 -> PLAN -> PASS1 -> RECOMPRESS -> LAYOUT -> WRITE -> BUILD_ID
// state machine that ties objfile, reloc, strpool, pathrewrite, line,
// dwinfo, macro, stroffsets, buildid and sourcelist together into a single
// per-file session.
//
// Each phase is its own method, called in sequence from one driver
// function, so a session's progress can be inspected or short-circuited
// between stages without threading extra state through a monolithic loop.
package editor

import (
	"log/slog"
	"os"
	"time"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/buildid"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwerr"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/dwinfo"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/line"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/macro"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/objfile"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/pathrewrite"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/reloc"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/sourcelist"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/stroffsets"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/strpool"
)

// Options configures one editor session.
type Options struct {
	Path string

	Base string // --base-dir, already canonicalized by the caller
	Dest string // --dest-dir, already canonicalized by the caller

	ListFile string // --list-file

	BuildID            bool   // --build-id
	BuildIDSeed        string // --build-id-seed
	NoRecomputeBuildID bool   // --no-recompute-build-id

	PreserveDates bool // --preserve-dates

	Logger *slog.Logger // nil is valid: defaults to slog.Default()
}

// CUSummary is one compilation unit's phase-0 findings, surfaced to the
// session Report for `dwarfedit inspect` and `--report`.
type CUSummary struct {
	CompDir        string
	Name           string
	Version        uint16
	StmtListOffset *uint32
	SourceFiles    []string
}

// Report is the read-only snapshot of a session's phase-0 results.
type Report struct {
	Path string
	Base string
	Dest string

	CompilationUnits []CUSummary

	SourcesEmitted int

	BuildIDHex string

	// IdentityShortCircuit records whether base == dest caused the session
	// to skip every phase after LOAD, leaving the file unwritten.
	IdentityShortCircuit bool
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Run drives one full editor session against opts.Path, persisting the
// rewritten file in place. It implements the complete state machine; callers
// that only want phase 0 (read-only inspection) should use Inspect instead.
func Run(opts Options) (*Report, error) {
	log := opts.logger()

	if opts.Dest != "" && opts.Base == "" {
		return nil, dwerr.New(dwerr.KindPolicyViolation, "--dest-dir requires --base-dir")
	}
	if opts.BuildIDSeed != "" && !opts.BuildID {
		return nil, dwerr.New(dwerr.KindPolicyViolation, "--build-id-seed requires --build-id")
	}

	var preserved *preservedTimes
	if opts.PreserveDates {
		var err error
		preserved, err = capturePreservedTimes(opts.Path)
		if err != nil {
			return nil, err
		}
	}

	log.Debug("phase", "name", "LOAD", "path", opts.Path)
	f, err := objfile.OpenForEdit(opts.Path, objfile.ReadWrite)
	if err != nil {
		return nil, err
	}

	rpt := &Report{Path: opts.Path, Base: opts.Base, Dest: opts.Dest}

	if opts.Base != "" && opts.Base == opts.Dest {
		log.Debug("phase", "name", "IDENTITY_SHORT_CIRCUIT")
		rpt.IdentityShortCircuit = true
	} else if opts.Base != "" {
		sess, err := newSession(f, opts, log)
		if err != nil {
			return nil, err
		}

		log.Debug("phase", "name", "CLASSIFY")
		if err := sess.classify(); err != nil {
			return nil, err
		}

		log.Debug("phase", "name", "PASS0")
		if err := sess.pass0(); err != nil {
			return nil, err
		}
		rpt.CompilationUnits = sess.summaries
		rpt.SourcesEmitted = sess.sourcesEmitted

		log.Debug("phase", "name", "PLAN")
		if err := sess.plan(); err != nil {
			return nil, err
		}

		log.Debug("phase", "name", "PASS1")
		if err := sess.pass1(); err != nil {
			return nil, err
		}

		log.Debug("phase", "name", "RECOMPRESS")
		if err := f.Recompress(); err != nil {
			return nil, err
		}
	}

	if !rpt.IdentityShortCircuit {
		log.Debug("phase", "name", "LAYOUT_WRITE")
		if err := f.WriteFile(opts.Path); err != nil {
			return nil, err
		}
	}

	if opts.BuildID {
		log.Debug("phase", "name", "BUILD_ID")
		if opts.NoRecomputeBuildID {
			hex, err := buildid.ReadExisting(opts.Path)
			if err != nil {
				return nil, err
			}
			rpt.BuildIDHex = hex
		} else {
			res, err := buildid.Recompute(opts.Path, opts.BuildIDSeed)
			if err != nil {
				return nil, err
			}
			rpt.BuildIDHex = res.Hex
		}
	}

	if preserved != nil {
		if err := preserved.restore(opts.Path); err != nil {
			return nil, err
		}
	}

	return rpt, nil
}

// Inspect runs LOAD, CLASSIFY and PASS0 only, against a read-only copy of
// the file's in-memory state, and returns the resulting Report without
// writing anything back. It backs `dwarfedit inspect` and `dwarfedit
// rewrite --report` previews.
func Inspect(path, base, dest string) (*Report, error) {
	f, err := objfile.OpenForEdit(path, objfile.ReadOnly)
	if err != nil {
		return nil, err
	}

	opts := Options{Path: path, Base: base, Dest: dest}
	rpt := &Report{Path: path, Base: base, Dest: dest}

	if base == "" {
		return rpt, nil
	}

	sess, err := newSession(f, opts, opts.logger())
	if err != nil {
		return nil, err
	}
	if err := sess.classify(); err != nil {
		return nil, err
	}
	if err := sess.pass0(); err != nil {
		return nil, err
	}

	rpt.CompilationUnits = sess.summaries
	rpt.SourcesEmitted = sess.sourcesEmitted
	return rpt, nil
}

// session holds the mutable state threaded through CLASSIFY..PASS1 for one
// base/dest rewrite.
type session struct {
	f    *objfile.File
	opts Options
	log  *slog.Logger

	info      *objfile.Section
	abbrev    *objfile.Section
	str       *objfile.Section
	lineStr   *objfile.Section
	lineSec   *objfile.Section
	macroSec  *objfile.Section
	strOffSec *objfile.Section

	infoRel   *reloc.Index
	lineRel   *reloc.Index
	macroRel  *reloc.Index
	strOffRel *reloc.Index

	strPool     *strpool.Pool
	lineStrPool *strpool.Pool

	cus         []*dwinfo.CU
	lineTables  []*line.Table
	lineSection *line.Section
	macroUnits  []*macro.Unit
	strOffUnits []*stroffsets.Unit

	sources *sourcelist.Writer

	summaries      []CUSummary
	sourcesEmitted int
}

func newSession(f *objfile.File, opts Options, log *slog.Logger) (*session, error) {
	return &session{f: f, opts: opts, log: log}, nil
}

// classify locates each recognized debug section, builds its relocation
// index, and sets up the string pools.
func (s *session) classify() error {
	s.info = s.f.SectionByName(".debug_info")
	s.abbrev = s.f.SectionByName(".debug_abbrev")
	s.str = s.f.SectionByName(".debug_str")
	s.lineStr = s.f.SectionByName(".debug_line_str")
	s.lineSec = s.f.SectionByName(".debug_line")
	s.macroSec = s.f.SectionByName(".debug_macro")
	s.strOffSec = s.f.SectionByName(".debug_str_offsets")

	if s.info == nil || s.abbrev == nil {
		return dwerr.New(dwerr.KindMalformed, "%s carries no .debug_info/.debug_abbrev section to rewrite", s.opts.Path)
	}

	var err error
	s.infoRel, err = reloc.Build(s.f, s.info)
	if err != nil {
		return err
	}
	if s.lineSec != nil {
		s.lineRel, err = reloc.Build(s.f, s.lineSec)
		if err != nil {
			return err
		}
	}
	if s.macroSec != nil {
		s.macroRel, err = reloc.Build(s.f, s.macroSec)
		if err != nil {
			return err
		}
	}
	if s.strOffSec != nil {
		s.strOffRel, err = reloc.Build(s.f, s.strOffSec)
		if err != nil {
			return err
		}
	}

	var strBytes, lineStrBytes []byte
	if s.str != nil {
		strBytes = s.str.Data
	}
	if s.lineStr != nil {
		lineStrBytes = s.lineStr.Data
	}
	s.strPool = strpool.New(strBytes, s.opts.Base, s.opts.Dest)
	s.lineStrPool = strpool.New(lineStrBytes, s.opts.Base, s.opts.Dest)

	if s.strOffSec != nil {
		s.strPool.EnsureSentinel()
	}

	return nil
}

// pass0 walks .debug_info, every .debug_line table, every unit of the
// first .debug_macro section and every .debug_str_offsets sub-unit,
// interning strings and recording pass-1 patch sites, and emits the
// sources-list entries along the way. Sections named .debug_types, and
// any .debug_macro section after the first, are not walked.
func (s *session) pass0() error {
	if s.opts.ListFile != "" {
		var err error
		s.sources, err = sourcelist.Open(s.opts.ListFile)
		if err != nil {
			return err
		}
	}

	infoWalker := dwinfo.NewWalker(s.info.Data, s.abbrev.Data, s.infoRel, s.strOffRel, s.strPool, s.lineStrPool, s.opts.Base, s.opts.Dest)
	cus, err := infoWalker.ParseUnits()
	if err != nil {
		return err
	}
	s.cus = cus

	lineTablesByOffset := map[uint32]*line.Table{}
	if s.lineSec != nil {
		pos := 0
		for pos < len(s.lineSec.Data) {
			t, next, err := line.ParseHeader(s.lineSec.Data, pos)
			if err != nil {
				return err
			}
			if err := t.InternStrings(s.lineRel, s.strPool, s.lineStrPool); err != nil {
				return err
			}
			lineTablesByOffset[uint32(t.OldOffset)] = t
			s.lineTables = append(s.lineTables, t)
			pos = next
		}
	}

	for _, cu := range cus {
		summary := CUSummary{CompDir: cu.CompDir, Name: cu.Name, Version: cu.Version, StmtListOffset: cu.StmtList}

		if err := s.emitCompDir(cu.CompDir); err != nil {
			return err
		}

		if cu.StmtList != nil {
			if t, ok := lineTablesByOffset[*cu.StmtList]; ok {
				for _, sf := range t.ResolvedFiles(cu.CompDir) {
					canon := pathrewrite.Canonicalize(sf.Path)
					if _, under := pathrewrite.SkipPrefix(canon, s.opts.Base); under || canon == s.opts.Base {
						summary.SourceFiles = append(summary.SourceFiles, canon)
						if err := s.emitPath(canon); err != nil {
							return err
						}
					} else if s.opts.Dest != "" {
						if _, under := pathrewrite.SkipPrefix(canon, s.opts.Dest); under || canon == s.opts.Dest {
							summary.SourceFiles = append(summary.SourceFiles, canon)
							if err := s.emitPath(canon); err != nil {
								return err
							}
						}
					}
				}
			}
		}

		s.summaries = append(s.summaries, summary)
	}

	if s.macroSec != nil {
		macroWalker := macro.NewWalker(s.macroSec.Data, s.macroRel, s.strPool)
		units, err := macroWalker.ParseUnits()
		if err != nil {
			return err
		}
		s.macroUnits = units
	}

	if s.strOffSec != nil {
		strOffWalker := stroffsets.NewWalker(s.strOffRel, s.strPool)
		units, err := strOffWalker.ParseUnits(s.strOffSec.Data)
		if err != nil {
			return err
		}
		s.strOffUnits = units
	}

	return nil
}

func (s *session) emitCompDir(dir string) error {
	if dir == "" || s.sources == nil {
		return nil
	}
	canon := pathrewrite.Canonicalize(dir)
	if _, ok := pathrewrite.SkipPrefix(canon, s.opts.Base); !ok && canon != s.opts.Base {
		return nil
	}
	s.sourcesEmitted++
	return s.sources.WriteCompDir(canon)
}

func (s *session) emitPath(path string) error {
	if s.sources == nil {
		return nil
	}
	s.sourcesEmitted++
	return s.sources.WritePath(path)
}

// plan finalizes both string pools, resynthesizes .debug_line, and shifts
// any .debug_line relocation whose target moved as a result.
func (s *session) plan() error {
	s.strPool.Finalize()
	s.lineStrPool.Finalize()

	if s.str != nil {
		s.str.MarkDirty(s.strPool.Bytes())
	}
	if s.lineStr != nil {
		s.lineStr.MarkDirty(s.lineStrPool.Bytes())
	}

	if s.lineSec != nil {
		for _, t := range s.lineTables {
			if err := t.Rebuild(s.lineSec.Data, s.lineRel, s.opts.Base, s.opts.Dest, s.strPool, s.lineStrPool); err != nil {
				return err
			}
		}
		s.lineSection = line.NewSection(s.lineTables)
		newLineBytes := s.lineSection.Assemble()
		s.lineSec.MarkDirty(newLineBytes)
		s.lineRel.ShiftOffsets(s.lineSection.Remap)
	}

	if s.sources != nil {
		if err := s.sources.Close(); err != nil {
			return err
		}
	}

	return nil
}

// pass1 rewrites every 32-bit string/offset reference collected during
// PASS0, now that the string pools and the line section have final
// offsets.
func (s *session) pass1() error {
	lookupStmtList := func(old uint32) (uint32, bool) {
		if s.lineSection == nil {
			return 0, false
		}
		return s.lineSection.Lookup(old)
	}

	for _, cu := range s.cus {
		if err := dwinfo.ApplyPatches(cu, s.info.Data, s.infoRel, s.strPool, s.lineStrPool, lookupStmtList); err != nil {
			return err
		}
	}
	s.info.MarkDirty(s.info.Data)

	for _, u := range s.macroUnits {
		if err := macro.ApplyRewrites(u, s.macroRel, s.strPool, lookupStmtList); err != nil {
			return err
		}
	}
	if s.macroSec != nil {
		s.macroSec.MarkDirty(s.macroSec.Data)
	}

	for _, u := range s.strOffUnits {
		if err := stroffsets.ApplyRewrites(u, s.strOffRel, s.strPool); err != nil {
			return err
		}
	}
	if s.strOffSec != nil {
		s.strOffSec.MarkDirty(s.strOffSec.Data)
	}

	if err := s.infoRel.Commit(); err != nil {
		return err
	}
	if s.lineRel != nil {
		if err := s.lineRel.Commit(); err != nil {
			return err
		}
	}
	if s.macroRel != nil {
		if err := s.macroRel.Commit(); err != nil {
			return err
		}
	}
	if s.strOffRel != nil {
		if err := s.strOffRel.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// preservedTimes captures a file's access/modification times so
// --preserve-dates can restore them after the rewrite replaces the file.
type preservedTimes struct {
	atime time.Time
	mtime time.Time
}

func capturePreservedTimes(path string) (*preservedTimes, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, dwerr.Wrap(dwerr.KindEnvironmental, err, "stat %s for --preserve-dates", path)
	}
	return &preservedTimes{atime: statAtime(info), mtime: info.ModTime()}, nil
}

func (p *preservedTimes) restore(path string) error {
	if err := os.Chtimes(path, p.atime, p.mtime); err != nil {
		return dwerr.Wrap(dwerr.KindEnvironmental, err, "restoring timestamps on %s", path)
	}
	return nil
}
