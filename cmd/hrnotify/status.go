package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"hrnotify/internal/app"
	"hrnotify/internal/status"
	"hrnotify/internal/storage"
)

func newStatusCommand(configFlag *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show push connection and inbox status of the running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.OpenSession(*configFlag)
			if err != nil {
				return err
			}
			doc, err := s.RemoteStatus(cmd.Context())
			if err != nil {
				s.Log.Debug("status server unreachable")
				trs, terr := s.StoredTransitions(cmd.Context(), 10)
				if terr != nil && !errors.Is(terr, storage.ErrDisabled) {
					return fmt.Errorf("%w (storage: %v)", err, terr)
				}
				doc = &status.Document{Transitions: trs}
				if asJSON {
					return writeJSON(cmd, doc)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "No running instance reachable: %v\n", err)
				renderStatus(cmd.OutOrStdout(), doc)
				return nil
			}
			if asJSON {
				return writeJSON(cmd, doc)
			}
			renderStatus(cmd.OutOrStdout(), doc)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderStatus(w io.Writer, doc *status.Document) {
	if p := doc.Push; p != nil {
		fmt.Fprintf(w, "Push:   %s (attempts %d/%d)\n", p.State, p.Attempts, p.MaxRetries)
		fmt.Fprintf(w, "        %s, changed %s\n", p.URL, relTime(p.LastChange))
		if p.LastError != "" {
			fmt.Fprintf(w, "        last error: %s\n", p.LastError)
		}
	}
	if in := doc.Inbox; in != nil {
		fmt.Fprintf(w, "Inbox:  %s, %d notifications, %d unread\n", statusLabel(in.Status), in.Total, in.Unread)
		if !in.LastFetch.IsZero() {
			fmt.Fprintf(w, "        last fetch %s\n", relTime(in.LastFetch))
		}
		if in.LastFetchErr != "" {
			fmt.Fprintf(w, "        last fetch error: %s\n", in.LastFetchErr)
		}
	}
	if len(doc.Transitions) > 0 {
		rows := make([][]string, 0, len(doc.Transitions))
		for _, t := range doc.Transitions {
			rows = append(rows, []string{relTime(t.At), t.From, t.To, strconv.Itoa(t.Attempt), t.Reason})
		}
		fmt.Fprintln(w, renderTable(
			[]string{"When", "From", "To", "Attempt", "Reason"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
		))
	}
}
