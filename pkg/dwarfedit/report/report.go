// Package report renders an editor session's phase-0 findings (spec
// component L): the compilation units an Inspect or Run call discovered,
// their resolved source files, and a build-id if one was requested, as
// either YAML or JSON for `dwarfedit rewrite --report` and non-interactive
// `dwarfedit inspect`.
package report

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/editor"
)

// Format selects the serialization `--report`/`--format` accepts.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// CompilationUnit is the report-facing view of one editor.CUSummary.
type CompilationUnit struct {
	CompDir        string   `json:"comp_dir" yaml:"comp_dir"`
	Name           string   `json:"name" yaml:"name"`
	Version        uint16   `json:"version" yaml:"version"`
	StmtListOffset *uint32  `json:"stmt_list_offset,omitempty" yaml:"stmt_list_offset,omitempty"`
	SourceFiles    []string `json:"source_files,omitempty" yaml:"source_files,omitempty"`
}

// Document is the top-level serializable session report.
type Document struct {
	Path string `json:"path" yaml:"path"`
	Base string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`
	Dest string `json:"dest_dir,omitempty" yaml:"dest_dir,omitempty"`

	CompilationUnits []CompilationUnit `json:"compilation_units" yaml:"compilation_units"`
	SourcesEmitted   int               `json:"sources_emitted" yaml:"sources_emitted"`

	BuildIDHex string `json:"build_id,omitempty" yaml:"build_id,omitempty"`

	IdentityShortCircuit bool `json:"identity_short_circuit,omitempty" yaml:"identity_short_circuit,omitempty"`
}

// FromEditorReport converts an editor.Report into its serializable form.
func FromEditorReport(rpt *editor.Report) *Document {
	doc := &Document{
		Path:                 rpt.Path,
		Base:                 rpt.Base,
		Dest:                 rpt.Dest,
		SourcesEmitted:       rpt.SourcesEmitted,
		BuildIDHex:           rpt.BuildIDHex,
		IdentityShortCircuit: rpt.IdentityShortCircuit,
	}
	for _, cu := range rpt.CompilationUnits {
		doc.CompilationUnits = append(doc.CompilationUnits, CompilationUnit{
			CompDir:        cu.CompDir,
			Name:           cu.Name,
			Version:        cu.Version,
			StmtListOffset: cu.StmtListOffset,
			SourceFiles:    cu.SourceFiles,
		})
	}
	return doc
}

// Write renders doc in the requested format to w.
func Write(w io.Writer, doc *Document, format Format) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}
