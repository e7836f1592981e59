package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "dwarfedit",
	Short: "Rewrite build-time source paths embedded in DWARF debug info",
	Long: `dwarfedit rewrites source-path prefixes embedded in the DWARF debug
sections of ELF object files, archives and executables, mapping a build-time
directory onto an install-time directory. It can also emit the list of
source files a binary refers to, and recompute the GNU build-id note over
the edited content using a deterministic, seedable hash.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.dwarfedit.yaml)")
	RootCmd.PersistentFlags().Bool("verbose", false, "enable verbose diagnostic logging")
	RootCmd.PersistentFlags().String("trace-file", "", "write a JSON trace of every diagnostic to this file")

	viper.BindPFlag("verbose", RootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("trace-file", RootCmd.PersistentFlags().Lookup("trace-file"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".dwarfedit" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dwarfedit")
	}

	viper.SetEnvPrefix("DWARFEDIT")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
