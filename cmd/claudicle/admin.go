package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tdimino/claudicle/internal/counsel"
	"github.com/tdimino/claudicle/internal/memory"
)

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete working memory older than the configured TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				ttl := a.cfg.WorkingMemoryTTL()
				n, err := store.Sweep(ctx, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Swept %d working memory rows older than %s\n", n, ttl)
				return nil
			})
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and memory status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				stats, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				cfg := a.cfg
				fmt.Fprintln(out, "claudicle status")
				fmt.Fprintln(out, "----------------")
				fmt.Fprintf(out, "Agent: %s\n", cfg.Agent.Name)
				fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
				fmt.Fprintf(out, "Provider: %s\n", providerLabel(cfg.Provider.Type))
				fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
				fmt.Fprintf(out, "Pipeline: %s\n", cfg.Pipeline.Mode)
				fmt.Fprintf(out, "Workspace: %s\n", cfg.Agent.Workspace)
				fmt.Fprintf(out, "Database: %s\n", cfg.DBPath())
				fmt.Fprintf(out, "Counsel: %s\n", enabledLabel(cfg.CounselActive()))
				fmt.Fprintf(out, "Telegram: %s\n", enabledLabel(cfg.Channels.Telegram.Enabled))
				fmt.Fprintln(out)
				fmt.Fprintf(out, "Cycles: %d\n", stats.Counter)
				fmt.Fprintf(out, "Working memory: %d rows in %d threads (TTL %s)\n", stats.WorkingEntries, stats.Threads, cfg.WorkingMemoryTTL())
				fmt.Fprintf(out, "Users: %d\n", stats.Users)
				fmt.Fprintf(out, "Soul state overrides: %d\n", stats.StateOverrides)
				fmt.Fprintf(out, "Pending whisper: %s\n", yesNo(stats.PendingWhisper))
				return nil
			})
		},
	}
}

func (a *app) traceCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trace [trace-id]",
		Short: "List recent cycles or show every row written by one cycle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					traces, err := store.RecentTraces(ctx, limit)
					if err != nil {
						return err
					}
					if len(traces) == 0 {
						fmt.Fprintln(out, "No traces.")
						return nil
					}
					for _, t := range traces {
						fmt.Fprintf(out, "%s  %s  %-24s %d rows\n", t.TraceID, t.StartedAt.Local().Format(time.DateTime), t.ThreadKey, t.Entries)
					}
					return nil
				}
				entries, err := store.ByTrace(ctx, args[0])
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					return fmt.Errorf("trace %s not found", args[0])
				}
				for _, e := range entries {
					printEntry(out, e)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of recent traces")
	return cmd
}

func printEntry(out io.Writer, e memory.Entry) {
	label := string(e.Kind)
	if e.Verb != "" {
		label += "/" + e.Verb
	}
	if e.Meta.Gate != "" {
		label += " " + e.Meta.Gate
	}
	if e.Meta.Result != nil {
		label += fmt.Sprintf("=%t", *e.Meta.Result)
	}
	fmt.Fprintf(out, "[%s] %-28s %s\n", e.CreatedAt.Local().Format(time.TimeOnly), label, oneLine(e.Content))
}

func (a *app) whisperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whisper",
		Short: "Inspect or change the pending counsel whisper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				return showWhisper(ctx, cmd.OutOrStdout(), store)
			})
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the pending whisper",
		RunE:  cmd.RunE,
	}

	var source string
	set := &cobra.Command{
		Use:   "set <text>",
		Short: "Store a whisper for the next cycle",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				w, err := counsel.New(store, nil, counsel.WithLogger(a.logger)).Put(ctx, strings.Join(args, " "), source)
				if err != nil {
					return err
				}
				if w == nil {
					return errors.New("whisper is empty after sanitizing")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Whisper stored: %s\n", w.Text)
				return nil
			})
		},
	}
	set.Flags().StringVar(&source, "source", "manual", "whisper source label")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard the pending whisper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				had, err := store.ConsumeWhisper(ctx)
				if err != nil {
					return err
				}
				if had {
					fmt.Fprintln(cmd.OutOrStdout(), "Whisper cleared.")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "No whisper pending.")
				}
				return nil
			})
		},
	}

	invoke := &cobra.Command{
		Use:   "invoke",
		Short: "Ask the configured counsel providers for a whisper now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				_, ch, err := a.engine(ctx, store)
				if err != nil {
					return err
				}
				if !ch.Enabled() {
					return errors.New("counsel is not enabled in config")
				}
				state, err := store.AllState(ctx)
				if err != nil {
					return err
				}
				counter, err := store.Counter(ctx)
				if err != nil {
					return err
				}
				w := ch.Invoke(ctx, counsel.SummaryFrom(state, "", counter))
				if w == nil {
					return errors.New("no counsel received")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Whisper stored (%s): %s\n", w.Source, w.Text)
				return nil
			})
		},
	}

	cmd.AddCommand(show, set, clearCmd, invoke)
	return cmd
}

func showWhisper(ctx context.Context, out io.Writer, store *memory.Store) error {
	w, err := store.PendingWhisper(ctx)
	if err != nil {
		return err
	}
	if w == nil {
		fmt.Fprintln(out, "No whisper pending.")
		return nil
	}
	fmt.Fprintf(out, "Source: %s\n", w.Source)
	fmt.Fprintf(out, "Created: %s\n", w.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "Text: %s\n", w.Text)
	return nil
}

func (a *app) stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show or change the soul state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				all, err := store.AllState(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, k := range memory.StateKeys() {
					v := all[k]
					if v == "" {
						v = "-"
					}
					fmt.Fprintf(out, "%-16s %s\n", k, v)
				}
				return nil
			})
		},
	}
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Override one soul state key",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, ok := memory.NormalizeStateKey(args[0])
			if !ok {
				return fmt.Errorf("unknown state key %q (known: %s)", args[0], strings.Join(memory.StateKeys(), ", "))
			}
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				if err := store.SetState(ctx, key, strings.Join(args[1:], " ")); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", key)
				return nil
			})
		},
	}
	reset := &cobra.Command{
		Use:   "reset <key>",
		Short: "Return one soul state key to its default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, ok := memory.NormalizeStateKey(args[0])
			if !ok {
				return fmt.Errorf("unknown state key %q", args[0])
			}
			def, _ := memory.StateDefault(key)
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				if err := store.SetState(ctx, key, def); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s reset\n", key)
				return nil
			})
		},
	}
	cmd.AddCommand(set, reset)
	return cmd
}

func (a *app) profileCmd() *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "profile <user-id>",
		Short: "Show a user's profile and its change history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				u, err := store.GetUser(ctx, args[0])
				if errors.Is(err, memory.ErrUserNotFound) {
					return fmt.Errorf("user %s not found", args[0])
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "User: %s (%s)\n", u.UserID, orDash(u.DisplayName))
				fmt.Fprintf(out, "Interactions: %d\n\n", u.InteractionCount)
				fmt.Fprintln(out, strings.TrimSpace(u.Profile))

				changes, err := store.ProfileHistory(ctx, u.UserID, history)
				if err != nil {
					return err
				}
				if len(changes) > 0 {
					fmt.Fprintln(out, "\nChanges:")
					for _, c := range changes {
						fmt.Fprintf(out, "  %s  %s  %s\n", c.CreatedAt.Local().Format(time.DateTime), c.TraceID, oneLine(c.ChangeNote))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&history, "history", 10, "number of profile changes to show")
	return cmd
}

func providerLabel(t string) string {
	if t == "" {
		return "anthropic"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 100 {
		return string(r[:100]) + "..."
	}
	return s
}
