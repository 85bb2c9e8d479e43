package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/dealflow/internal/http"
)

func (c *cli) threadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect negotiation threads",
	}
	cmd.AddCommand(c.threadsShowCmd())
	return cmd
}

func (c *cli) threadsShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Show a thread and its ledger history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpapi.ThreadResponse
			if err := c.call(cmd.Context(), http.MethodGet, "/api/v1/threads/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			return printThread(cmd.OutOrStdout(), &resp)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printThread(w io.Writer, resp *httpapi.ThreadResponse) error {
	if resp.Snapshot == nil || resp.Thread == nil {
		return fmt.Errorf("server returned no thread")
	}
	t := resp.Thread
	fmt.Fprintf(w, "Thread:       %s\n", t.ID)
	fmt.Fprintf(w, "Owner:        %s\n", t.OwnerID)
	fmt.Fprintf(w, "Counterparty: %s\n", t.Counterparty)
	fmt.Fprintf(w, "Stage:        %s\n", t.Stage)
	fmt.Fprintf(w, "Autopilot:    %t\n", t.AutopilotEnabled)
	fmt.Fprintf(w, "Follow-ups:   %d\n", t.FollowUpCount)
	fmt.Fprintf(w, "Messages:     %d\n", len(resp.Messages))
	fmt.Fprintf(w, "Actions:      %d\n", len(resp.Actions))
	if t.InflightActionID != "" {
		fmt.Fprintf(w, "In flight:    %s\n", t.InflightActionID)
	}
	fmt.Fprintf(w, "Updated:      %s\n", t.UpdatedAt.Format(time.RFC3339))

	if len(resp.History) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tPROCESSOR\tOUTCOME\tREASON")
	for _, e := range resp.History {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType, e.Processor, e.Outcome, e.Reason)
	}
	return tw.Flush()
}
