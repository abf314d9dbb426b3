package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List models in the store",
	Long:  "List every tagged model in the store with its size and age. Models whose download is still in flight are marked partial.",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().Bool("json", false, "emit the listing as JSON")
	listCmd.Flags().Bool("all", false, "include models managed by the container engine")
	rootCmd.AddCommand(listCmd)
}

type listedModel struct {
	Name     string    `json:"name"`
	Modified time.Time `json:"modified"`
	Size     int64     `json:"size"`
	Partial  bool      `json:"partial"`
}

func runList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	showAll, _ := cmd.Flags().GetBool("all")

	models, err := openStore().ListModels(cmd.Context(), showAll)
	if err != nil {
		return err
	}

	listed := make([]listedModel, 0, len(models))
	for _, m := range models {
		listed = append(listed, listedModel{
			Name:     m.Name,
			Modified: m.Modified(),
			Size:     m.Size(),
			Partial:  m.IsPartial(),
		})
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(listed)
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODIFIED\tSIZE")
	for _, m := range listed {
		name := m.Name
		if m.Partial {
			name += " (partial)"
		}
		modified := "-"
		if !m.Modified.IsZero() {
			modified = units.HumanDuration(time.Since(m.Modified)) + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, modified, units.HumanSize(float64(m.Size)))
	}
	return w.Flush()
}
