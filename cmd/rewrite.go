package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/editor"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/pathrewrite"
	"github.com/dwarfedit/dwarfedit/pkg/dwarfedit/report"
	"github.com/dwarfedit/dwarfedit/pkg/logging"
)

var (
	rewriteBaseDir            string
	rewriteDestDir            string
	rewriteListFile           string
	rewriteBuildID            bool
	rewriteBuildIDSeed        string
	rewriteNoRecomputeBuildID bool
	rewritePreserveDates      bool
	rewriteReportFormat       string
	rewriteReportFile         string
)

var rewriteCmd = &cobra.Command{
	Use:   "rewrite <file>",
	Short: "Rewrite DWARF source paths and/or the build-id note of an ELF file",
	Long: `Rewrites the build-time source-path prefix embedded in an ELF file's
DWARF debug sections to an install-time prefix, optionally emitting a
sources-list file and recomputing the GNU build-id note.`,
	Args: cobra.ExactArgs(1),
	Run:  runRewrite,
}

func init() {
	RootCmd.AddCommand(rewriteCmd)

	rewriteCmd.Flags().StringVar(&rewriteBaseDir, "base-dir", "", "build-time prefix to replace")
	rewriteCmd.Flags().StringVar(&rewriteDestDir, "dest-dir", "", "install-time prefix to substitute (requires --base-dir)")
	rewriteCmd.Flags().StringVar(&rewriteListFile, "list-file", "", "append null-terminated canonicalized source paths to this file")
	rewriteCmd.Flags().BoolVarP(&rewriteBuildID, "build-id", "i", false, "recompute the GNU build-id note")
	rewriteCmd.Flags().StringVarP(&rewriteBuildIDSeed, "build-id-seed", "s", "", "mix this seed string into the build-id hash (requires --build-id)")
	rewriteCmd.Flags().BoolVar(&rewriteNoRecomputeBuildID, "no-recompute-build-id", false, "leave the build-id note bytes unchanged but still print them")
	rewriteCmd.Flags().BoolVar(&rewritePreserveDates, "preserve-dates", false, "restore atime/mtime after editing")
	rewriteCmd.Flags().StringVar(&rewriteReportFormat, "report", "", "print a pre-edit session report in this format: json, yaml")
	rewriteCmd.Flags().StringVar(&rewriteReportFile, "report-file", "", "write the --report output here instead of stdout")
}

func runRewrite(cmd *cobra.Command, args []string) {
	path := args[0]

	verbose := viper.GetBool("verbose")
	traceFile := viper.GetString("trace-file")
	logger, closeLogging, err := logging.Setup(verbose, traceFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogging()
	slog.SetDefault(logger)

	base := canonicalizeIfSet(baseDirOrConfig())
	dest := canonicalizeIfSet(destDirOrConfig())
	listFile := rewriteListFile
	if listFile == "" {
		listFile = viper.GetString("list-file")
	}

	if rewriteReportFormat != "" {
		preview, err := editor.Inspect(path, base, dest)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error inspecting %s: %v\n", path, err)
			os.Exit(2)
		}
		if err := writeReport(preview, rewriteReportFormat, rewriteReportFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
			os.Exit(1)
		}
	}

	rpt, err := editor.Run(editor.Options{
		Path:               path,
		Base:               base,
		Dest:               dest,
		ListFile:           listFile,
		BuildID:            rewriteBuildID,
		BuildIDSeed:        rewriteBuildIDSeed,
		NoRecomputeBuildID: rewriteNoRecomputeBuildID,
		PreserveDates:      rewritePreserveDates,
		Logger:             logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error rewriting %s: %v\n", path, err)
		os.Exit(2)
	}

	if rpt.BuildIDHex != "" {
		fmt.Println(rpt.BuildIDHex)
	}
}

func baseDirOrConfig() string {
	if rewriteBaseDir != "" {
		return rewriteBaseDir
	}
	return viper.GetString("base-dir")
}

func destDirOrConfig() string {
	if rewriteDestDir != "" {
		return rewriteDestDir
	}
	return viper.GetString("dest-dir")
}

// canonicalizeIfSet canonicalizes dir, leaving an unset flag as the empty
// string rather than pathrewrite.Canonicalize's "." for "" (--base-dir and
// --dest-dir are optional: editor.Run treats "" as "not requested").
func canonicalizeIfSet(dir string) string {
	if dir == "" {
		return ""
	}
	return pathrewrite.Canonicalize(dir)
}

func writeReport(rpt *editor.Report, format, file string) error {
	doc := report.FromEditorReport(rpt)

	out := os.Stdout
	if file != "" {
		f, err := os.Create(file)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	return report.Write(out, doc, report.Format(format))
}
