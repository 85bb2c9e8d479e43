package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/dealflow/internal/event"
	httpapi "github.com/fyrsmithlabs/dealflow/internal/http"
)

func (c *cli) eventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Submit events to dealflowd",
	}
	cmd.AddCommand(c.eventSubmitCmd())
	return cmd
}

func (c *cli) eventSubmitCmd() *cobra.Command {
	var (
		typ  string
		file string
		sync bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one event",
		Long: `Submit an event with a JSON payload read from a file or stdin.

Without --sync the event is queued and the job id is printed. With --sync
the server handles the event before replying and the result is printed.

Examples:
  dealctl event submit --type email.received --file email.json
  cat redline.json | dealctl event submit --type contract.redline --file - --sync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !event.Type(typ).Known() {
				return fmt.Errorf("unknown event type %q", typ)
			}
			payload, err := readPayload(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			path := "/api/v1/events"
			if sync {
				path += "?sync=true"
			}
			var out json.RawMessage
			req := httpapi.EventRequest{Type: event.Type(typ), Payload: payload}
			if err := c.call(cmd.Context(), http.MethodPost, path, req, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "event type (e.g. email.received)")
	cmd.Flags().StringVar(&file, "file", "-", "payload file, - for stdin")
	cmd.Flags().BoolVar(&sync, "sync", false, "handle the event before returning")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// readPayload loads a JSON payload from path, or from stdin when path is "-".
func readPayload(stdin io.Reader, path string) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return raw, nil
}
