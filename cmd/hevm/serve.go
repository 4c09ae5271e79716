package main

import (
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/fortiblox/hevm/pkg/control"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC control service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if listen == "" {
				listen = a.cfg.Control.Listen
			}

			lib, err := a.openStore()
			if err != nil {
				return fmt.Errorf("failed to open program store: %w", err)
			}
			defer func() {
				if cerr := lib.Close(); cerr != nil {
					err = multierror.Append(err, cerr)
				}
			}()

			mcfg := control.ManagerConfig{
				Library:  lib,
				Defaults: a.cfg.VM.Opts(),
				Logger:   &a.log,
			}
			j, err := a.openJournal()
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			if j != nil {
				mcfg.Recorder = j
				defer func() {
					if cerr := j.Close(); cerr != nil {
						err = multierror.Append(err, cerr)
					}
				}()
			}

			mgr := control.NewManager(mcfg)
			defer mgr.Shutdown()

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.log.Info().
				Str("listen", lis.Addr().String()).
				Str("store", a.cfg.Store.Path).
				Bool("journal", j != nil).
				Msg("Control service started")

			srv := control.NewGRPCServer(mgr, &a.log)
			if err := control.Serve(ctx, srv, lis); err != nil {
				return err
			}
			a.log.Info().Msg("Control service stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config)")
	return cmd
}
