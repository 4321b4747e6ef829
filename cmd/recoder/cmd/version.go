package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/recoder/internal/version"
)

// versionCmd prints detailed build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.Full())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
