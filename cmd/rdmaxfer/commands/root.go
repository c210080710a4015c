package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// GlobalFlags are shared by every sub-command.
type GlobalFlags struct {
	ConfigPath string
	Debug      bool
	LogLevel   string
	Device     string
	Backend    string
	Port       int

	// MetricsAddr is only registered by the server command
	MetricsAddr string
}

// NewRootCmd builds the rdmaxfer command tree.
func NewRootCmd(version, commit string) *cobra.Command {
	g := &GlobalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rdmaxfer",
		Short: "rdmaxfer - point-to-point RDMA WRITE transfer tool",
		Long: `rdmaxfer moves a small value between two hosts with a single RDMA WRITE
and waits for the peer to write one back. A TCP control channel carries
the queue pair and memory region details both sides need.

Start the server on one host and point the client at it:
  rdmaxfer server --device mlx5_0
  rdmaxfer client server-host --device mlx5_0

Cross-host runs need a hardware verbs backend; the built-in simulated
backend only connects endpoints in one process (see "rdmaxfer loopback").

Every setting can also come from rdmaxfer.yaml or RDMAXFER_* variables.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&g.ConfigPath, "config", "", "Path to configuration file")
	flags.BoolVar(&g.Debug, "debug", false, "Enable debug logging")
	flags.StringVar(&g.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&g.Device, "device", "", "RDMA device name")
	flags.StringVar(&g.Backend, "backend", "", fmt.Sprintf("Verbs backend (%v)", rdma.BackendNames()))
	flags.IntVar(&g.Port, "port", 0, "TCP control channel port")

	rootCmd.AddCommand(NewServerCmd(g))
	rootCmd.AddCommand(NewClientCmd(g))
	rootCmd.AddCommand(NewLoopbackCmd(g))
	rootCmd.AddCommand(NewDevicesCmd(g))
	rootCmd.AddCommand(NewConfigCmd(g))

	return rootCmd
}

// load reads the configuration and applies the logging settings.
func (g *GlobalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	opts := config.Options{
		Port:        g.Port,
		Device:      g.Device,
		Backend:     g.Backend,
		LogLevel:    g.LogLevel,
		MetricsAddr: g.MetricsAddr,
	}
	if g.Debug {
		opts.LogLevel = zerolog.DebugLevel.String()
	}

	cfg, err := config.Load(g.ConfigPath, opts)
	if err != nil {
		return nil, err
	}

	setupLogging(cmd.ErrOrStderr(), cfg.LogLevel, g.Debug)

	return cfg, nil
}

func setupLogging(out io.Writer, level string, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
	} else if out != os.Stderr {
		log.Logger = log.Output(out)
	}
}

// openBackend opens the configured verbs backend.
func openBackend(cfg *config.Config) (rdma.VerbsBackend, error) {
	backend, err := rdma.OpenBackend(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}

	return backend, nil
}

func closeBackend(backend rdma.VerbsBackend) {
	if err := backend.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close verbs backend")
	}
}
