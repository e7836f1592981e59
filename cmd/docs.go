package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var docsOutputDir string

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Dump the command-line documentation tree",
	Long: `Generates a Markdown documentation page for every dwarfedit command
and subcommand, one file per command, into --output-dir.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := os.MkdirAll(docsOutputDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
			os.Exit(1)
		}
		if err := doc.GenMarkdownTree(RootCmd, docsOutputDir); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating docs: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	RootCmd.AddCommand(docsCmd)
	docsCmd.Flags().StringVarP(&docsOutputDir, "output-dir", "o", "./docs", "directory to write the generated Markdown files into")
}
