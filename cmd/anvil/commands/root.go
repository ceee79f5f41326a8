// Package commands implements the anvil command line.
package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "anvil - volunteer compute execution agent",
	Long: `anvil fetches tasks from a work provider, runs each one in a sandboxed
WebAssembly worker and reports the results back.

Configuration comes from an optional YAML file (--config) and ANVIL_*
environment variables, which take precedence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil {
		red := color.New(color.FgRed, color.Bold)
		red.Fprintf(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
	}
	return err
}

// SetVersionInfo sets the version reported by --version.
func SetVersionInfo(version, commit string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
}
