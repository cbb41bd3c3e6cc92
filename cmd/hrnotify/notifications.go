package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"hrnotify/internal/api"
	"hrnotify/internal/app"
	"hrnotify/internal/notification"
)

func newListCommand(configFlag *string) *cobra.Command {
	var unread, asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.OpenSession(*configFlag)
			if err != nil {
				return err
			}
			list, err := s.API.List(cmd.Context())
			if err != nil {
				return err
			}
			notification.SortNewestFirst(list)
			if unread {
				list = filterUnread(list)
			}
			if asJSON {
				return writeJSON(cmd, list)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderNotifications(list))
			fmt.Fprintf(cmd.OutOrStdout(), "%d notifications, %d unread\n", len(list), notification.UnreadCount(list))
			return nil
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "Only show unread notifications")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newReadCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := app.OpenSession(*configFlag)
			if err != nil {
				return err
			}
			if err := s.API.MarkRead(cmd.Context(), id); err != nil {
				return describe(err, id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked #%d as read\n", id)
			return nil
		},
	}
}

func newReadAllCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "read-all",
		Short: "Mark every notification as read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.OpenSession(*configFlag)
			if err != nil {
				return err
			}
			if err := s.API.MarkAllRead(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All notifications marked as read")
			return nil
		},
	}
}

func newDeleteCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := app.OpenSession(*configFlag)
			if err != nil {
				return err
			}
			if err := s.API.Delete(cmd.Context(), id); err != nil {
				return describe(err, id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted #%d\n", id)
			return nil
		},
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(raw), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid notification id %q", raw)
	}
	return id, nil
}

func describe(err error, id int64) error {
	if errors.Is(err, api.ErrNotFound) {
		return fmt.Errorf("notification #%d not found", id)
	}
	return err
}

func filterUnread(list []notification.Message) []notification.Message {
	out := make([]notification.Message, 0, len(list))
	for _, m := range list {
		if !m.Read {
			out = append(out, m)
		}
	}
	return out
}

func renderNotifications(list []notification.Message) string {
	rows := make([][]string, 0, len(list))
	for _, m := range list {
		mark := ""
		if !m.Read {
			mark = "●"
		}
		rows = append(rows, []string{
			strconv.FormatInt(m.ID, 10),
			mark,
			m.Type,
			truncate(m.Message, 60),
			stampTime(m.CreatedAt),
		})
	}
	return renderTable(
		[]string{"ID", "", "Type", "Message", "Received"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	)
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
