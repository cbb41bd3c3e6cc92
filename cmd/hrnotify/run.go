package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hrnotify/internal/app"
	"hrnotify/internal/inbox"
)

func newRunCommand(configFlag *string) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the notification client in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(*configFlag)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				return err
			}
			if follow {
				unsub := a.Consumer().Subscribe(newFollower(cmd.OutOrStdout()).onView)
				defer unsub()
			}

			reason := app.StopAppStop
			select {
			case s := <-sigs:
				reason = app.StopSIGINT
				if s == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Print unread notifications and status changes to stdout")
	return cmd
}

// follower prints each unread notification once, and status flips.
type follower struct {
	w      io.Writer
	seen   map[int64]bool
	status inbox.Status
}

func newFollower(w io.Writer) *follower {
	return &follower{w: w, seen: map[int64]bool{}}
}

func (f *follower) onView(v inbox.View) {
	if v.Status != f.status {
		fmt.Fprintf(f.w, "[%s] %s\n", time.Now().Format("15:04:05"), statusLabel(v.Status))
		f.status = v.Status
	}
	// Oldest first, so output reads top to bottom.
	for i := len(v.Notifications) - 1; i >= 0; i-- {
		m := v.Notifications[i]
		if f.seen[m.ID] {
			continue
		}
		f.seen[m.ID] = true
		if m.Read {
			continue
		}
		at := time.Now()
		if !m.CreatedAt.IsZero() {
			at = m.CreatedAt.Time
		}
		fmt.Fprintf(f.w, "[%s] #%d %s: %s\n", at.Local().Format("15:04:05"), m.ID, m.Type, m.Message)
	}
}
