package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/junctionhq/junction/internal/config"
)

var providersCmd = &cobra.Command{
	Use:         "providers",
	Short:       "List the registered providers and their capabilities.",
	Args:        cobra.NoArgs,
	Annotations: plainOutputAnnotations(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProviders(cmd)
	},
}

func runProviders(cmd *cobra.Command) error {
	cfg, err := config.LoadOptionalDB()
	if err != nil {
		return err
	}
	reg := buildProviderRegistry(cfg)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tCATEGORY\tAUTH\tCAPABILITIES\tWEBHOOKS")
	for _, p := range reg.All() {
		meta := p.Metadata()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			meta.Kind,
			meta.DisplayName,
			meta.Category,
			strings.Join(meta.AuthModes, ","),
			strings.Join(meta.Capabilities, ","),
			yesNo(meta.SupportsWebhooks))
	}
	return w.Flush()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
