package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <reference>...",
	Short: "Remove models from the store",
	Long:  "Remove one or more tagged models, reclaiming blobs and snapshots no other tag references. References take the form type://organization/name:tag.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

func init() {
	rootCmd.AddCommand(rmCmd)
}

func runRm(cmd *cobra.Command, args []string) error {
	global := openStore()
	for _, arg := range args {
		ref, err := parseReference(arg)
		if err != nil {
			return err
		}
		removed, err := global.Model(ref.modelType, ref.organization, ref.name).RemoveSnapshot(ref.tag)
		if err != nil {
			return fmt.Errorf("remove %q: %w", arg, err)
		}
		if !removed {
			return fmt.Errorf("model %q not found", arg)
		}
		fmt.Printf("removed %s\n", arg)
	}
	return nil
}

type reference struct {
	modelType    string
	organization string
	name         string
	tag          string
}

// parseReference splits "type://organization/name:tag" into its parts. The
// tag defaults to "latest", and a reference without an organization segment
// uses the model name as its organization.
func parseReference(s string) (reference, error) {
	modelType, rest, found := strings.Cut(s, "://")
	if !found || modelType == "" || rest == "" {
		return reference{}, fmt.Errorf("invalid model reference %q", s)
	}

	tag := "latest"
	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		rest, tag = rest[:idx], rest[idx+1:]
	}
	if tag == "" {
		return reference{}, fmt.Errorf("invalid model reference %q: empty tag", s)
	}

	rest = strings.TrimLeft(rest, "/")
	if rest == "" {
		return reference{}, fmt.Errorf("invalid model reference %q: empty name", s)
	}

	ref := reference{modelType: modelType, tag: tag}
	if org, name, found := strings.Cut(rest, "/"); found {
		ref.organization, ref.name = org, name
	} else {
		ref.name = rest
	}
	return ref, nil
}
