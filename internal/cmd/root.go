package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for filefinder
func NewRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "filefinder",
		Short: "Find files and folders by name beneath a directory",
		Long: `filefinder walks a directory tree and lists every file and folder whose
name matches a search term, either exactly or as a case-insensitive substring.

Run it once from the command line with "search", or start the HTTP API with
"serve" to search, queue background searches and download matched files.`,
		Version:      Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./filefinder.yaml)")

	cmd.AddCommand(NewServeCommand(&configPath))
	cmd.AddCommand(NewSearchCommand(&configPath))

	return cmd
}
