package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Export the store to a tar.gz archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		path, err := openStore().ExportTar(args[0], name)
		if err != nil {
			return err
		}
		fmt.Printf("exported store to %s\n", path)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <archive>",
	Short: "Import a store archive",
	Long:  "Import a tar.gz archive produced by export into the local store. Files already present under the same names are overwritten.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openStore().ImportTar(args[0]); err != nil {
			return err
		}
		fmt.Printf("imported %s\n", args[0])
		return nil
	},
}

func init() {
	exportCmd.Flags().String("name", "mstore-backup", "archive name without extension")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
