package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/dealflow/internal/http"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

func (c *cli) actionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List and decide outbound actions",
	}
	cmd.AddCommand(
		c.actionsListCmd(),
		c.actionsDecideCmd("approve", "Approve a queued action and deliver it"),
		c.actionsDecideCmd("reject", "Reject a queued action"),
	)
	return cmd
}

func (c *cli) actionsListCmd() *cobra.Command {
	var (
		owner  string
		thread string
		status string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		Long: `List outbound actions, newest first.

Examples:
  dealctl actions list --owner owner-1 --status proposed
  dealctl actions list --thread 0b6c... --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if owner != "" {
				q.Set("owner", owner)
			}
			if thread != "" {
				q.Set("thread", thread)
			}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/actions"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var resp httpapi.ActionsResponse
			if err := c.call(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp.Actions)
			}
			printActions(cmd.OutOrStdout(), resp.Actions)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner id")
	cmd.Flags().StringVar(&thread, "thread", "", "filter by thread id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (proposed, approved, executed, rejected)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of actions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func (c *cli) actionsDecideCmd(verdict, short string) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   verdict + " <action-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/actions/" + url.PathEscape(args[0]) + "/" + verdict
			var out json.RawMessage
			req := httpapi.DecisionRequest{Operator: operator}
			if err := c.call(cmd.Context(), http.MethodPost, path, req, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator recording the decision")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func printActions(w io.Writer, actions []*negotiation.ActionRequest) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "No actions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTHREAD\tKIND\tSTATUS\tCONFIDENCE\tRECIPIENT\tCREATED")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
			a.ID, a.ThreadID, a.Kind, a.Status, a.Confidence, a.Recipient,
			a.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}
