package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tdimino/claudicle/internal/bus"
	"github.com/tdimino/claudicle/internal/cognition"
	"github.com/tdimino/claudicle/internal/inbox"
	"github.com/tdimino/claudicle/internal/memory"
)

func (a *app) inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Work with the JSONL inbox that external listeners append to",
	}

	var rec inbox.Record
	add := &cobra.Command{
		Use:   "add <text>",
		Short: "Append a message to the inbox",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			r := rec
			r.Text = strings.Join(args, " ")
			if r.ThreadKey == "" {
				r.ThreadKey = r.Channel + ":" + r.UserID
			}
			stored, err := inbox.New(a.cfg.InboxPath(), a.logger).Append(r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", stored.Key())
			return nil
		},
	}
	add.Flags().StringVar(&rec.Channel, "channel", bus.InboxChannel, "source channel label")
	add.Flags().StringVar(&rec.UserID, "user", defaultUser(), "user id")
	add.Flags().StringVar(&rec.DisplayName, "name", "", "display name")
	add.Flags().StringVar(&rec.ThreadKey, "thread", "", "thread key (default <channel>:<user>)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List unhandled inbox messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			pending, skipped, err := inbox.New(a.cfg.InboxPath(), a.logger).ReadPending()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range pending {
				fmt.Fprintf(out, "%s  %-20s %-12s %s\n", r.TS.Local().Format(time.DateTime), r.ThreadKey, r.UserID, oneLine(r.Text))
			}
			fmt.Fprintf(out, "%d pending", len(pending))
			if skipped > 0 {
				fmt.Fprintf(out, ", %d malformed lines skipped", skipped)
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	process := &cobra.Command{
		Use:   "process",
		Short: "Run one cycle for every unhandled inbox message and write replies to the outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				engine, _, err := a.engine(ctx, store)
				if err != nil {
					return err
				}
				defer engine.Wait()
				in := inbox.New(a.cfg.InboxPath(), a.logger)
				n, err := processInbox(ctx, engine, in, inbox.NewOutbox(a.cfg.OutboxPath()))
				fmt.Fprintf(cmd.OutOrStdout(), "Processed %d messages\n", n)
				return err
			})
		},
	}

	cmd.AddCommand(add, list, process)
	return cmd
}

// processInbox handles pending records one at a time, marking each handled only after
// its reply reached the outbox.
func processInbox(ctx context.Context, engine *cognition.Engine, in *inbox.Inbox, out *inbox.Outbox) (int, error) {
	pending, _, err := in.ReadPending()
	if err != nil {
		return 0, err
	}
	done := 0
	for _, r := range pending {
		res, err := engine.Process(ctx, cognition.Message{
			Channel:     r.Channel,
			ThreadKey:   r.ThreadKey,
			UserID:      r.UserID,
			DisplayName: r.DisplayName,
			Text:        r.Text,
		})
		if res == nil {
			return done, fmt.Errorf("process %s: %w", r.Key(), err)
		}
		if err := out.Write(inbox.Reply{
			Channel:   r.Channel,
			ThreadKey: r.ThreadKey,
			UserID:    r.UserID,
			Text:      res.Reply,
			TraceID:   res.TraceID,
			Degraded:  res.Degraded,
		}); err != nil {
			return done, fmt.Errorf("write reply: %w", err)
		}
		if _, err := in.MarkHandled(r.Key()); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}
