package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mstore version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mstore " + version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
