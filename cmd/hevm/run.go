package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fortiblox/hevm/pkg/hevm"
	"github.com/fortiblox/hevm/pkg/hevm/builtins"
	"github.com/fortiblox/hevm/pkg/image"
	"github.com/fortiblox/hevm/pkg/journal"
	"github.com/spf13/cobra"
)

// errCrashed is returned by run when the program crashed. The reason has
// already been printed.
var errCrashed = errors.New("program crashed")

func newRunCmd(a *app) *cobra.Command {
	var (
		stepLimit uint64
		timeout   time.Duration
		noJournal bool
	)

	cmd := &cobra.Command{
		Use:   "run <manifest.toml|image|stored name>",
		Short: "Run a program to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, name, err := a.resolveImage(args[0])
			if err != nil {
				return err
			}

			opts := a.cfg.VM.Opts()
			if cmd.Flags().Changed("step-limit") {
				opts.StepLimit = stepLimit
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = a.cfg.VM.Timeout.Duration
			}
			opts.Functions = builtins.Functions(builtins.Options{Stdout: cmd.OutOrStdout()})
			logger := a.log.With().Str("program", name).Logger()
			opts.Logger = &logger

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			rec := &journal.Record{
				Program: name,
				Digest:  image.Sum(img).String(),
				Started: time.Now().UTC(),
			}
			vm := hevm.New(img.Program, img.Constants, opts)
			defer vm.Close()

			if err := vm.Run(); err != nil {
				return err
			}
			if err := vm.Wait(ctx); errors.Is(err, context.DeadlineExceeded) {
				vm.Crash(fmt.Sprintf("timeout after %s", timeout))
			} else if errors.Is(err, context.Canceled) {
				vm.Crash("interrupted")
			}
			vm.Close()

			rec.Finished = time.Now().UTC()
			rec.Status = vm.Status().String()
			rec.Reason = vm.CrashReason()
			rec.StackTrace = vm.StackTrace()
			rec.Steps = vm.Steps()

			if !noJournal {
				a.record(rec)
			}
			return printResult(cmd, rec)
		},
	}

	cmd.Flags().Uint64Var(&stepLimit, "step-limit", 0, "Crash after this many instructions (0 = unlimited)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Crash the program after this long (0 = no limit)")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "Do not record the run in the journal")
	return cmd
}

// record appends rec to the journal. Failures are logged, not returned: the
// run itself already happened.
func (a *app) record(rec *journal.Record) {
	j, err := a.openJournal()
	if err != nil {
		a.log.Warn().Err(err).Msg("Journal unavailable")
		return
	}
	if j == nil {
		return
	}
	defer j.Close()

	id, err := j.Append(rec)
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to record run")
		return
	}
	a.log.Debug().Uint64("id", id).Msg("Recorded run")
}

// printResult reports a finished run on stderr and returns errCrashed for
// crashed runs.
func printResult(cmd *cobra.Command, rec *journal.Record) error {
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "%s %s after %d steps (%s)\n",
		bold(rec.Program), colorStatus(rec.Status), rec.Steps, rec.Duration().Round(time.Microsecond))
	if rec.Status != hevm.StatusCrashed.String() {
		return nil
	}
	fmt.Fprintf(w, "  reason: %s\n", rec.Reason)
	if len(rec.StackTrace) > 0 {
		fmt.Fprintf(w, "  stack trace: %v\n", rec.StackTrace)
	}
	return errCrashed
}
