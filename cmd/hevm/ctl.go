package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fortiblox/hevm/pkg/control"
	"github.com/fortiblox/hevm/pkg/image"
	"github.com/spf13/cobra"
)

// ctl holds the connection flags shared by the ctl subcommands.
type ctl struct {
	*app
	addr    string
	timeout time.Duration
}

func newCtlCmd(a *app) *cobra.Command {
	c := &ctl{app: a}

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Drive sessions on a running control service",
	}
	cmd.PersistentFlags().StringVar(&c.addr, "addr", "", "Control service address (default from config)")
	cmd.PersistentFlags().DurationVar(&c.timeout, "rpc-timeout", 10*time.Second, "Per-call timeout")

	cmd.AddCommand(
		c.newLoadCmd(),
		c.sessionCmd("run", "Resume a session", (*control.Client).Run),
		c.sessionCmd("pause", "Pause a session", (*control.Client).Pause),
		c.sessionCmd("step", "Execute one instruction", (*control.Client).Step),
		c.sessionCmd("status", "Show a session's status", (*control.Client).Status),
		c.sessionCmd("close", "Close a session", (*control.Client).CloseSession),
		c.newCrashCmd(),
		c.newTraceCmd(),
		c.newWaitCmd(),
		c.newOutputCmd(),
		c.newListCmd(),
	)
	return cmd
}

// call dials the control service and runs fn with a bounded context.
func (c *ctl) call(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, client *control.Client) error) error {
	addr := c.addr
	if addr == "" {
		addr = c.cfg.Control.Listen
	}
	client, err := control.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, client)
}

func (c *ctl) newLoadCmd() *cobra.Command {
	var (
		session   string
		run       bool
		stepLimit uint64
	)

	cmd := &cobra.Command{
		Use:   "load <manifest.toml|image|stored name>",
		Short: "Load a program into a new session",
		Long: "Load a local manifest or image file into a new session. Arguments that are\n" +
			"not local files name a program in the server's program store.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &control.LoadRequest{Session: session, Run: run, StepLimit: stepLimit}
			if _, err := os.Stat(args[0]); err == nil {
				img, _, err := loadImage(args[0])
				if err != nil {
					return err
				}
				if req.Image, err = image.Encode(img, true); err != nil {
					return err
				}
			} else {
				req.Program = args[0]
			}

			return c.call(cmd, c.timeout, func(ctx context.Context, client *control.Client) error {
				st, err := client.Load(ctx, req)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&session, "session", "s", "", "Session name (default: assigned by the server)")
	cmd.Flags().BoolVar(&run, "run", false, "Start running immediately")
	cmd.Flags().Uint64Var(&stepLimit, "step-limit", 0, "Override the server's step limit")
	return cmd
}

func (c *ctl) sessionCmd(use, short string, fn func(*control.Client, context.Context, string) (*control.StatusReply, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, c.timeout, func(ctx context.Context, client *control.Client) error {
				st, err := fn(client, ctx, args[0])
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func (c *ctl) newCrashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crash <session> [reason...]",
		Short: "Crash a session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := strings.Join(args[1:], " ")
			if reason == "" {
				reason = "crashed by operator"
			}
			return c.call(cmd, c.timeout, func(ctx context.Context, client *control.Client) error {
				st, err := client.Crash(ctx, args[0], reason)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func (c *ctl) newTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <session>",
		Short: "Print a session's call stack, innermost frame first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, c.timeout, func(ctx context.Context, client *control.Client) error {
				trace, err := client.StackTrace(ctx, args[0])
				if err != nil {
					return err
				}
				for i := len(trace) - 1; i >= 0; i-- {
					fmt.Fprintf(cmd.OutOrStdout(), "#%d  return to %d\n", len(trace)-1-i, trace[i])
				}
				return nil
			})
		},
	}
}

func (c *ctl) newWaitCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "wait <session>",
		Short: "Wait for a session to stop or crash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, wait+c.timeout, func(ctx context.Context, client *control.Client) error {
				st, err := client.Wait(ctx, args[0], wait)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "How long to wait")
	return cmd
}

func (c *ctl) newOutputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "output <session>",
		Short: "Print and drain a session's buffered output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, c.timeout, func(ctx context.Context, client *control.Client) error {
				out, err := client.Output(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out.Output)
				if out.Dropped > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %d bytes dropped\n", yellow("warning:"), out.Dropped)
				}
				return nil
			})
		},
	}
}

func (c *ctl) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, c.timeout, func(ctx context.Context, client *control.Client) error {
				sessions, err := client.List(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tPROGRAM\tSTATUS\tPC\tSTEPS")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", s.Session, s.Program, colorStatus(s.Status), s.PC, s.Steps)
				}
				return tw.Flush()
			})
		},
	}
}

// printStatus writes a one-line session summary, plus the crash reason.
func printStatus(w io.Writer, st *control.StatusReply) {
	fmt.Fprintf(w, "%s %s pc=%d steps=%d\n", bold(st.Session), colorStatus(st.Status), st.PC, st.Steps)
	if st.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", st.Reason)
	}
	if len(st.StackTrace) > 0 {
		fmt.Fprintf(w, "  stack trace: %v\n", st.StackTrace)
	}
}
