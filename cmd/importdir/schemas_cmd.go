package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/bulkimport/internal/dirimport"
)

func newSchemasCmd(client func() *dirimport.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "schemas",
		Short: "List the schema types the server accepts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			schemas, err := client().Schemas(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tLABEL\tKEY\tFIELDS")
			for _, s := range schemas {
				names := make([]string, len(s.Fields))
				for i, f := range s.Fields {
					names[i] = f.Name
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Type, s.Label, strings.Join(s.KeyFields, "+"), strings.Join(names, ","))
			}
			return tw.Flush()
		},
	}
}
