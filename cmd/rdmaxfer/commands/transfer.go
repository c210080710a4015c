package commands

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/server"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
	"github.com/piwi3910/rdmaxfer/internal/xfer"
)

const crossHostNote = `The simulated backend only links endpoints inside one process, so a
transfer between two hosts needs a hardware verbs backend registered with
the rdma package. Use "rdmaxfer loopback" to try the protocol locally.`

// warnInProcessBackend flags runs that cannot reach a peer on another host.
func warnInProcessBackend(cfg *config.Config, role xfer.Role) {
	if cfg.Backend != rdma.BackendSimulated {
		return
	}

	log.Warn().
		Str("backend", cfg.Backend).
		Str("role", string(role)).
		Msg("Simulated backend cannot reach a peer on another host; writes will fail with retry exceeded")
}

// NewServerCmd creates the server command
func NewServerCmd(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Answer transfers until interrupted",
		Long: `Listen on the control port and serve one client at a time. Each client's
value is observed through the doorbell and answered with the reply value.

` + crossHostNote,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}

			backend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer closeBackend(backend)

			warnInProcessBackend(cfg, xfer.RoleServer)

			srv, err := server.New(cfg, backend)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				return err
			}

			log.Info().Msg("rdmaxfer server shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&g.MetricsAddr, "metrics-addr", "", "Address for /metrics and /healthz (disabled when empty)")

	return cmd
}

// NewClientCmd creates the client command
func NewClientCmd(g *GlobalFlags) *cobra.Command {
	var value int32

	cmd := &cobra.Command{
		Use:   "client <host>",
		Short: "Run one transfer against a server",
		Long: `Connect to a server, write the client value and wait for the reply.

` + crossHostNote,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}

			if value != 0 {
				cfg.ClientValue = value
			}

			backend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer closeBackend(backend)

			warnInProcessBackend(cfg, xfer.RoleClient)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			addr := net.JoinHostPort(args[0], strconv.Itoa(cfg.Port))

			report, err := xfer.NewClient(backend, xfer.ClientOptions(cfg)).Run(ctx, addr)
			if err != nil {
				return err
			}

			printReports(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().Int32Var(&value, "value", 0, "Value to write (overrides client_value)")

	return cmd
}

// NewLoopbackCmd creates the loopback command
func NewLoopbackCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "loopback",
		Short: "Run a server and a client in one process over 127.0.0.1",
		Long: `Run a full transfer against an in-process server on an ephemeral port.
With the simulated backend this exercises the whole protocol without
RDMA hardware.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}

			serverBackend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer closeBackend(serverBackend)

			clientBackend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer closeBackend(clientBackend)

			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}

			serverReport := make(chan *xfer.Report, 1)
			serverOpts := xfer.ServerOptions(cfg)
			serverOpts.OnReport = func(r *xfer.Report, err error) {
				if err != nil {
					log.Error().Err(err).Msg("Server session failed")
				}
				select {
				case serverReport <- r:
				default:
				}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return xfer.NewServer(serverBackend, serverOpts).Serve(ctx, ln)
			})

			var reports []*xfer.Report
			group.Go(func() error {
				defer cancel()

				report, err := xfer.NewClient(clientBackend, xfer.ClientOptions(cfg)).Run(ctx, ln.Addr().String())
				if err != nil {
					return err
				}
				reports = append(reports, report)

				// The server reports once its own drain and release are done
				select {
				case r := <-serverReport:
					reports = append(reports, r)
				case <-ctx.Done():
				}
				return nil
			})

			if err := group.Wait(); err != nil {
				return err
			}

			printReports(cmd.OutOrStdout(), reports...)
			return nil
		},
	}
}
