package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/editor"
)

func sampleReport() *editor.Report {
	off := uint32(0)
	return &editor.Report{
		Path: "/tmp/build/foo.o",
		Base: "/tmp/build",
		Dest: "/usr/src/debug/pkg",
		CompilationUnits: []editor.CUSummary{
			{CompDir: "/tmp/build", Name: "foo.c", Version: 4, StmtListOffset: &off, SourceFiles: []string{"/tmp/build/foo.c"}},
		},
		SourcesEmitted: 2,
		BuildIDHex:     "deadbeef",
	}
}

func TestFromEditorReport(t *testing.T) {
	doc := FromEditorReport(sampleReport())
	require.Len(t, doc.CompilationUnits, 1)
	assert.Equal(t, "foo.c", doc.CompilationUnits[0].Name)
	assert.Equal(t, 2, doc.SourcesEmitted)
	assert.Equal(t, "deadbeef", doc.BuildIDHex)
}

func TestWriteJSON(t *testing.T) {
	doc := FromEditorReport(sampleReport())
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, doc, FormatJSON))
	assert.True(t, strings.Contains(buf.String(), `"comp_dir": "/tmp/build"`))
}

func TestWriteYAML(t *testing.T) {
	doc := FromEditorReport(sampleReport())
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, doc, FormatYAML))
	assert.True(t, strings.Contains(buf.String(), "comp_dir: /tmp/build"))
}

func TestWriteUnsupportedFormat(t *testing.T) {
	doc := FromEditorReport(sampleReport())
	var buf bytes.Buffer
	assert.Error(t, Write(&buf, doc, Format("toml")))
}
