package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-isatty"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/editor"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/report"
	"github.com/dwarfedit/dwarfedit/pkg/utils"
)

var inspectFormat string

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Browse the compilation units and source files an ELF file's DWARF info resolves",
	Long: `Runs only phase 0 of the editor (no file is modified) and either prints
the resulting session report, or opens an interactive browser over its
compilation units, their resolved source files, and their line-table
descriptors.`,
	Args: cobra.ExactArgs(1),
	Run:  runInspect,
}

func init() {
	RootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "json", "non-interactive report format: json, yaml")
}

func runInspect(cmd *cobra.Command, args []string) {
	path := args[0]
	base := canonicalizeIfSet(baseDirOrConfig())
	dest := canonicalizeIfSet(destDirOrConfig())

	rpt, err := editor.Inspect(path, base, dest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error inspecting %s: %v\n", path, err)
		os.Exit(2)
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		if err := writeReport(rpt, inspectFormat, ""); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runInspectTUI(rpt); err != nil {
		fmt.Fprintf(os.Stderr, "Error running inspector: %v\n", err)
		os.Exit(1)
	}
}

// runInspectTUI drives the interactive three-page browser: compile-unit
// list -> source file list -> line-table detail. Page transitions are
// driven by Enter/Escape, in the same single-App, multi-Page shape as
// rivo/tview's own "switching pages" demo.
func runInspectTUI(rpt *editor.Report) error {
	doc := report.FromEditorReport(rpt)

	app := tview.NewApplication()
	pages := tview.NewPages()

	cuList := tview.NewList().ShowSecondaryText(true)
	cuList.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", doc.Path))

	for i, cu := range doc.CompilationUnits {
		idx := i
		secondary := fmt.Sprintf("DWARF v%d, %d source file(s)", cu.Version, len(cu.SourceFiles))
		cuList.AddItem(cu.Name, secondary, 0, func() {
			showSourceFiles(app, pages, doc.CompilationUnits[idx])
		})
	}
	cuList.AddItem("Quit", "", 'q', func() { app.Stop() })

	pages.AddPage("cus", cuList, true, true)

	return app.SetRoot(pages, true).SetFocus(pages).Run()
}

func showSourceFiles(app *tview.Application, pages *tview.Pages, cu report.CompilationUnit) {
	list := tview.NewList().ShowSecondaryText(false)
	list.SetBorder(true).SetTitle(fmt.Sprintf(" %s (%s) ", cu.Name, cu.CompDir))

	for _, src := range cu.SourceFiles {
		path := src
		list.AddItem(path, "", 0, func() { showLineTableDetail(app, pages, cu, path) })
	}
	list.AddItem("Back", "", 'b', func() { pages.SwitchToPage("cus") })
	list.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			pages.SwitchToPage("cus")
			return nil
		}
		return event
	})

	pages.AddAndSwitchToPage("sources", list, true)
}

func showLineTableDetail(app *tview.Application, pages *tview.Pages, cu report.CompilationUnit, path string) {
	view := tview.NewTextView().SetDynamicColors(true)
	view.SetBorder(true).SetTitle(" line-table detail ")

	var b strings.Builder
	fmt.Fprintf(&b, "[yellow]file[white]: %s\n", path)
	fmt.Fprintf(&b, "[yellow]comp_dir[white]: %s\n", cu.CompDir)
	if cu.StmtListOffset != nil {
		fmt.Fprintf(&b, "[yellow]stmt_list[white]: %s\n\n", utils.FormatUintHex(uint64(*cu.StmtListOffset), 8))
		b.WriteString(stmtListFieldDiagram(*cu.StmtListOffset))
	} else {
		fmt.Fprintf(&b, "[yellow]stmt_list[white]: (none)\n")
	}
	view.SetText(b.String())
	view.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			pages.SwitchToPage("sources")
			return nil
		}
		return event
	})

	pages.AddAndSwitchToPage("detail", view, true)
}

// stmtListFieldDiagram draws the byte layout of a CU's DW_AT_stmt_list
// attribute value: one 32-bit DW_FORM_sec_offset field, rendered with the
// same byte-frame diagram helper used upstream for instruction-encoding
// layouts.
func stmtListFieldDiagram(offset uint32) string {
	return utils.AsciiFrame(
		[]utils.AsciiFrameField{{Name: fmt.Sprintf("stmt_list=%s", utils.FormatUintHex(uint64(offset), 8)), Begin: 0, Width: 4}},
		4,
		"bytes",
		utils.AsciiFrameUnitLayout_LeftToRight,
		2,
	)
}
