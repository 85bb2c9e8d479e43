package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/dealflow/internal/conflict"
)

func (c *cli) conflictsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "conflicts <owner-id>",
		Short: "Show the latest conflict report for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r conflict.Report
			if err := c.call(cmd.Context(), http.MethodGet, "/api/v1/owners/"+url.PathEscape(args[0])+"/conflicts", nil, &r); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), r)
			}
			printReport(cmd.OutOrStdout(), &r)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printReport(w io.Writer, r *conflict.Report) {
	fmt.Fprintf(w, "Owner %s: %d conflicts across %d threads (generated %s)\n",
		r.OwnerID, len(r.Conflicts), r.ThreadCount, r.GeneratedAt.Format(time.RFC3339))
	if len(r.Conflicts) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tSEVERITY\tCOUNTERPARTIES\tDELIVERABLE\tDETAIL")
	for _, cf := range r.Conflicts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			cf.Kind, cf.Severity, strings.Join(cf.Counterparties[:], " / "), cf.DeliverableType, cf.Detail)
	}
	_ = tw.Flush()
}
