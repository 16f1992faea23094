package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tdimino/claudicle/internal/cognition"
	"github.com/tdimino/claudicle/internal/gateway"
	"github.com/tdimino/claudicle/internal/memory"
)

type agentFlags struct {
	message string
	user    string
	name    string
	thread  string
	verbose bool
}

func (a *app) agentCmd() *cobra.Command {
	var f agentFlags
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Talk to the agent with a single message or in a REPL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, store *memory.Store) error {
				engine, _, err := a.engine(ctx, store)
				if err != nil {
					return err
				}
				defer engine.Wait()
				return runAgent(ctx, engine, f, a.stdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
		},
	}
	cmd.Flags().StringVarP(&f.message, "message", "m", "", "single message to send")
	cmd.Flags().StringVar(&f.user, "user", defaultUser(), "user id")
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().StringVar(&f.thread, "thread", "", "thread key (default cli:<user>)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "print trace id and verb of each reply")
	return cmd
}

func runAgent(ctx context.Context, engine *cognition.Engine, f agentFlags, stdin io.Reader, stdout, stderr io.Writer) error {
	thread := f.thread
	if thread == "" {
		thread = "cli:" + f.user
	}
	send := func(text string) error {
		out, err := engine.Process(ctx, cognition.Message{
			Channel:     "cli",
			ThreadKey:   thread,
			UserID:      f.user,
			DisplayName: f.name,
			Text:        text,
		})
		if out == nil {
			return err
		}
		fmt.Fprintln(stdout, out.Reply)
		if f.verbose {
			fmt.Fprintf(stderr, "[trace %s, %s, counter %d%s]\n", out.TraceID, verbLabel(out), out.Counter, flags(out))
		}
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		return nil
	}

	if f.message != "" {
		return send(f.message)
	}

	fmt.Fprintln(stdout, "claudicle agent (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if err := send(input); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}
	return scanner.Err()
}

func verbLabel(out *cognition.Outcome) string {
	if out.Verb == "" {
		return "said"
	}
	return out.Verb
}

func flags(out *cognition.Outcome) string {
	var parts []string
	if out.Degraded {
		parts = append(parts, "degraded")
	}
	if out.Fallback {
		parts = append(parts, "fallback")
	}
	if out.Whisper != nil {
		parts = append(parts, "whisper")
	}
	if len(parts) == 0 {
		return ""
	}
	return ", " + strings.Join(parts, ", ")
}

func defaultUser() string {
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return "local"
}

func (a *app) gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (channels, inbox watcher and scheduled jobs)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(); err != nil {
				return err
			}
			defer a.logger.Sync() //nolint:errcheck
			if _, err := a.router(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			gw, err := gateway.NewWithOptions(ctx, a.cfg, gateway.Options{Factory: a.opts.Factory, Logger: a.logger})
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}
			if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
